package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/xela07ax/ledger-bridge/internal/domain"
)

// Встроенные схемы. Числа описаны как number: JSON отдает float64, и 30.0 не пройдет через int.
const builtinSchemas = `
#LedgerLimits: {
	enabled?:            bool
	max_amount?:         number & >=0
	allowed_currencies?: [...=~"^[A-Z]{3}$"]
}

#Scoring: {
	threshold?: number & >=0 & <=1
	...
}

#Retention: {
	days?: number & >0
	...
}

#Approval: {
	threshold?: number & >=0
	approvers?: number & >=1
	...
}
`

// SchemaRegistry проверяет parameters политики по CUE-определению,
// выбранному по самому длинному совпавшему префиксу business_key.
// Ключи без схемы принимаются как произвольный объект.
type SchemaRegistry struct {
	mu      sync.Mutex // cue.Context не потокобезопасен
	ctx     *cue.Context
	schemas map[string]cue.Value
}

func NewSchemaRegistry() (*SchemaRegistry, error) {
	r := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	base := r.ctx.CompileString(builtinSchemas)
	if err := base.Err(); err != nil {
		return nil, fmt.Errorf("schema: builtin: %w", err)
	}
	for prefix, def := range map[string]string{
		"ledger.":    "#LedgerLimits",
		"scoring.":   "#Scoring",
		"retention.": "#Retention",
		"approval.":  "#Approval",
	} {
		v := base.LookupPath(cue.ParsePath(def))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("schema: builtin %s: %w", def, err)
		}
		r.schemas[prefix] = v
	}
	return r, nil
}

// Register добавляет схему для префикса. Источник обязан определять #Schema.
func (r *SchemaRegistry) Register(prefix, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileString(source)
	if err := v.Err(); err != nil {
		return fmt.Errorf("schema %q: %w", prefix, err)
	}
	def := v.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return fmt.Errorf("schema %q: #Schema is not defined", prefix)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %q: #Schema: %w", prefix, err)
	}
	r.schemas[prefix] = def
	return nil
}

// RegisterDir регистрирует каждый *.cue из dir. Префикс: имя файла без .cue,
// ledger.payment.cue перекрывает встроенную схему ledger. для ключей ledger.payment*.
func (r *SchemaRegistry) RegisterDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".cue" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("schema dir: %w", err)
		}
		if err := r.Register(strings.TrimSuffix(e.Name(), ".cue"), string(src)); err != nil {
			return err
		}
	}
	return nil
}

// LoadSchemas: встроенные схемы плюс каталог dir, если он задан.
func LoadSchemas(dir string) (*SchemaRegistry, error) {
	r, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return r, nil
	}
	if err := r.RegisterDir(dir); err != nil {
		return nil, err
	}
	return r, nil
}

// Prefixes: зарегистрированные префиксы, для диагностики и CLI.
func (r *SchemaRegistry) Prefixes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.schemas))
	for p := range r.schemas {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (r *SchemaRegistry) Validate(businessKey string, params domain.Parameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema, ok := r.lookup(businessKey)
	if !ok {
		return nil
	}

	val := r.ctx.Encode(map[string]any(params))
	if err := val.Err(); err != nil {
		return domain.Validation("policy.schema", "parameters of %s: %v", businessKey, err)
	}
	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return domain.Validation("policy.schema", "parameters of %s: %v", businessKey, err)
	}
	return nil
}

func (r *SchemaRegistry) lookup(businessKey string) (cue.Value, bool) {
	best := ""
	for prefix := range r.schemas {
		if strings.HasPrefix(businessKey, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return cue.Value{}, false
	}
	return r.schemas[best], true
}
