package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Parameters хранит полезную нагрузку правила (пороги и флаги).
// Структура проверяется схемой (см. policy.SchemaRegistry) до записи.
type Parameters map[string]any

// Number достает числовой параметр. JSON и YAML дают разные типы, приводим к float64.
func (p Parameters) Number(name string) (float64, bool) {
	switch v := p[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func (p Parameters) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

func (p Parameters) Strings(name string) ([]string, bool) {
	switch v := p[name].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Clone возвращает независимую копию, чтобы кэш резолвера нельзя было испортить снаружи.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return Parameters{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		out := make(Parameters, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	var out Parameters
	_ = json.Unmarshal(raw, &out)
	return out
}

// PolicyCandidate: то, что приходит на запись. Версию и интервал назначает стор.
type PolicyCandidate struct {
	TenantID    string     `json:"tenant_id"`
	BusinessKey string     `json:"business_key"`
	Parameters  Parameters `json:"parameters"`
	CreatedBy   string     `json:"created_by"`
	Reason      string     `json:"reason"`
}

func (c PolicyCandidate) Validate() error {
	if strings.TrimSpace(c.TenantID) == "" {
		return Validation("policy.save", "tenant_id is required")
	}
	if strings.TrimSpace(c.BusinessKey) == "" {
		return Validation("policy.save", "business_key is required")
	}
	if c.Parameters == nil {
		return Validation("policy.save", "parameters must be an object")
	}
	if strings.TrimSpace(c.CreatedBy) == "" {
		return Validation("policy.save", "created_by is required")
	}
	return nil
}

// PolicyVersion: одна строка SCD2. Строки только добавляются: текущая версия
// закрывается (valid_to, is_current=false) в той же транзакции, где вставляется новая.
type PolicyVersion struct {
	ID          int64      `json:"id"`
	BusinessKey string     `json:"business_key"`
	Version     int        `json:"version"`
	TenantID    string     `json:"tenant_id"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to,omitempty"` // nil: открытый интервал
	IsCurrent   bool       `json:"is_current"`
	Parameters  Parameters `json:"parameters"`
	CreatedBy   string     `json:"created_by"`
	Reason      string     `json:"reason"`
}

// Contains проверяет попадание t в полуоткрытый интервал [ValidFrom, ValidTo).
func (v PolicyVersion) Contains(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || t.Before(*v.ValidTo)
}

// PolicyKey: ключ изоляции для кэша, блокировок и сигналов инвалидации.
type PolicyKey struct {
	TenantID    string
	BusinessKey string
}

func (k PolicyKey) String() string {
	return k.TenantID + "|" + k.BusinessKey
}

// ParsePolicyKey разбирает формат "tenant|business_key" из сигнала Redis.
func ParsePolicyKey(s string) (PolicyKey, error) {
	tenant, key, ok := strings.Cut(s, "|")
	if !ok || tenant == "" || key == "" {
		return PolicyKey{}, fmt.Errorf("invalid policy key %q", s)
	}
	return PolicyKey{TenantID: tenant, BusinessKey: key}, nil
}

// ParametersView: то, что отдает резолвер. Stale=true, если стор был недоступен
// и значение взято из кэша после истечения TTL.
type ParametersView struct {
	TenantID    string     `json:"tenant_id"`
	BusinessKey string     `json:"business_key"`
	Version     int        `json:"version"`
	Parameters  Parameters `json:"parameters"`
	Stale       bool       `json:"stale"`
}
