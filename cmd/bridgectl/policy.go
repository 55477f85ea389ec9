package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xela07ax/ledger-bridge/internal/console/service"
	"github.com/xela07ax/ledger-bridge/internal/domain"
	"github.com/xela07ax/ledger-bridge/internal/infra"
	"github.com/xela07ax/ledger-bridge/internal/policy"
	"github.com/xela07ax/ledger-bridge/internal/repository"
)

// policyFile: формат файла для `policy save` и `policy check`.
//
//	tenant_id: acme
//	business_key: ledger.payment
//	created_by: ops@acme.io
//	reason: raise limit for Q1
//	parameters:
//	  enabled: true
//	  max_amount: 50000
//	  allowed_currencies: [EUR, USD]
type policyFile struct {
	TenantID    string         `yaml:"tenant_id"`
	BusinessKey string         `yaml:"business_key"`
	CreatedBy   string         `yaml:"created_by"`
	Reason      string         `yaml:"reason"`
	Parameters  map[string]any `yaml:"parameters"`
}

func (f policyFile) candidate() domain.PolicyCandidate {
	return domain.PolicyCandidate{
		TenantID:    f.TenantID,
		BusinessKey: f.BusinessKey,
		Parameters:  domain.Parameters(f.Parameters),
		CreatedBy:   f.CreatedBy,
		Reason:      f.Reason,
	}
}

func readPolicyFile(path string, stdin io.Reader) (policyFile, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return policyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return policyFile{}, fmt.Errorf("parse policy file: %w", err)
	}
	return f, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// versionView: PolicyVersion в виде, удобном для чтения в терминале.
type versionView struct {
	Version    int            `yaml:"version"`
	IsCurrent  bool           `yaml:"is_current"`
	ValidFrom  string         `yaml:"valid_from"`
	ValidTo    string         `yaml:"valid_to,omitempty"`
	CreatedBy  string         `yaml:"created_by"`
	Reason     string         `yaml:"reason,omitempty"`
	Parameters map[string]any `yaml:"parameters"`
}

func viewOf(v domain.PolicyVersion) versionView {
	out := versionView{
		Version:    v.Version,
		IsCurrent:  v.IsCurrent,
		ValidFrom:  v.ValidFrom.Format(time.RFC3339Nano),
		CreatedBy:  v.CreatedBy,
		Reason:     v.Reason,
		Parameters: v.Parameters,
	}
	if v.ValidTo != nil {
		out.ValidTo = v.ValidTo.Format(time.RFC3339Nano)
	}
	return out
}

func policyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage temporal policy versions",
	}

	// openService собирает PolicyService так же, как консоль.
	openService := func(cmd *cobra.Command) (*service.PolicyService, func(), error) {
		cfg, err := infra.LoadConfig(*configPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := infra.NewLogger(cfg.Logger)
		if err != nil {
			return nil, nil, err
		}
		stores, err := repository.Open(cmd.Context(), cfg.Database, false)
		if err != nil {
			return nil, nil, err
		}
		schemas, err := policy.LoadSchemas(cfg.Policy.SchemaDir)
		if err != nil {
			stores.Close()
			return nil, nil, err
		}

		closers := []func(){stores.Close, func() { _ = logger.Sync() }}
		var notifier service.Notifier
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			closers = append(closers, func() { _ = rdb.Close() })
			notifier = service.NewRedisNotifier(rdb)
		}
		closeAll := func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
		return service.NewPolicyService(stores.Policies, schemas, nil, notifier, logger), closeAll, nil
	}

	var file string
	save := &cobra.Command{
		Use:   "save",
		Short: "Publish a new policy version from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readPolicyFile(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			svc, closeAll, err := openService(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			v, err := svc.Save(cmd.Context(), f.candidate())
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewOf(v))
		},
	}
	save.Flags().StringVarP(&file, "file", "f", "-", "policy YAML file, - for stdin")

	// loadSchemas: --schema-dir важнее policy.schema_dir из явно переданного конфига.
	// Без -c конфиг не читается: check работает и без базы.
	var schemaDir string
	loadSchemas := func() (*policy.SchemaRegistry, error) {
		dir := schemaDir
		if dir == "" && *configPath != "" {
			cfg, err := infra.LoadConfig(*configPath)
			if err != nil {
				return nil, err
			}
			dir = cfg.Policy.SchemaDir
		}
		return policy.LoadSchemas(dir)
	}

	var checkFile string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate a policy YAML file against the parameter schemas without saving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readPolicyFile(checkFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			c := f.candidate()
			if err := c.Validate(); err != nil {
				return err
			}
			schemas, err := loadSchemas()
			if err != nil {
				return err
			}
			if err := schemas.Validate(c.BusinessKey, c.Parameters); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", c.BusinessKey)
			return nil
		},
	}
	check.Flags().StringVarP(&checkFile, "file", "f", "-", "policy YAML file, - for stdin")

	schemas := &cobra.Command{
		Use:   "schemas",
		Short: "List business key prefixes that have a parameter schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadSchemas()
			if err != nil {
				return err
			}
			for _, p := range reg.Prefixes() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	for _, c := range []*cobra.Command{check, schemas} {
		c.Flags().StringVar(&schemaDir, "schema-dir", "", "directory of *.cue schemas, overrides policy.schema_dir")
	}

	var tenant, key, at string
	history := &cobra.Command{
		Use:   "history",
		Short: "Print every version of a policy, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeAll, err := openService(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			versions, err := svc.History(cmd.Context(), tenant, key)
			if err != nil {
				return err
			}
			out := make([]versionView, 0, len(versions))
			for _, v := range versions {
				out = append(out, viewOf(v))
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}

	asOf := &cobra.Command{
		Use:   "as-of",
		Short: "Print the policy version effective at a point in time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := time.Parse(time.RFC3339Nano, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC 3339: %w", err)
			}
			svc, closeAll, err := openService(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			v, err := svc.AsOf(cmd.Context(), tenant, key, ts)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewOf(v))
		},
	}

	for _, c := range []*cobra.Command{history, asOf} {
		c.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id")
		c.Flags().StringVarP(&key, "key", "k", "", "business key, e.g. ledger.payment")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("key")
	}
	asOf.Flags().StringVar(&at, "at", "", "RFC 3339 timestamp")
	_ = asOf.MarkFlagRequired("at")

	cmd.AddCommand(save, check, schemas, history, asOf)
	return cmd
}
