package provenance

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ssuji15/jobrunner/model"
)

const (
	DefaultDescription = "KBase SDK method run via the KBase Execution Engine"
	DefaultServiceVer  = "dev"
	timeLayout         = "2006-01-02T15:04:05-07:00"
)

// Provenance accumulates the provenance action for a run. Subactions are
// unique by name; the first one recorded wins.
type Provenance struct {
	mu     sync.Mutex
	action model.ProvenanceAction
	seen   map[string]struct{}
}

// New builds a provenance action from either job input ("module.method"
// plus params) or a workspace provenance action (service, method,
// method_params). Job input wins when method contains a dot.
func New(params map[string]any, now time.Time) *Provenance {
	method := str(params["method"])
	paramKeys := []string{"method_params", "params"}
	var service string
	if m, f, ok := strings.Cut(method, "."); ok {
		service, method = m, f
		paramKeys = []string{"params", "method_params"}
	} else {
		service = str(params["service"])
	}

	a := model.ProvenanceAction{
		Time:           now.Local().Truncate(time.Second).Format(timeLayout),
		Service:        service,
		ServiceVer:     DefaultServiceVer,
		Method:         method,
		MethodParams:   []any{},
		InputWSObjects: []any{},
		Subactions:     []model.SubAction{},
		Description:    DefaultDescription,
	}
	if v, ok := params["time"].(string); ok {
		a.Time = v
	}
	if v, ok := params["service_ver"].(string); ok {
		a.ServiceVer = v
	}
	for _, k := range paramKeys {
		if v, ok := params[k]; ok {
			a.MethodParams = v
			break
		}
	}
	if v, ok := params["source_ws_objects"]; ok {
		a.InputWSObjects = v
	} else if v, ok := params["input_ws_objects"]; ok {
		a.InputWSObjects = v
	}
	if v, ok := params["subactions"]; ok {
		a.Subactions = toSubactions(v)
	}
	if v, ok := params["description"].(string); ok {
		a.Description = v
	}
	return FromAction(a)
}

// FromAction wraps an already built action.
func FromAction(a model.ProvenanceAction) *Provenance {
	p := &Provenance{
		action: a,
		seen:   make(map[string]struct{}),
	}
	if p.action.Subactions == nil {
		p.action.Subactions = []model.SubAction{}
	}
	for _, sa := range p.action.Subactions {
		p.seen[sa.Name] = struct{}{}
	}
	return p
}

// AddSubaction records sa unless a subaction with the same name exists.
// It reports whether sa was added.
func (p *Provenance) AddSubaction(sa model.SubAction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[sa.Name]; ok {
		return false
	}
	p.seen[sa.Name] = struct{}{}
	p.action.Subactions = append(p.action.Subactions, sa)
	return true
}

// Snapshot returns the one-element provenance list reported to callers.
func (p *Provenance) Snapshot() []model.ProvenanceAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.action
	a.Subactions = append([]model.SubAction{}, p.action.Subactions...)
	return []model.ProvenanceAction{a}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func toSubactions(v any) []model.SubAction {
	out := []model.SubAction{}
	b, err := json.Marshal(v)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil || out == nil {
		return []model.SubAction{}
	}
	return out
}
