package web

import (
	"fmt"
	"strings"

	"github.com/ssuji15/jobrunner/model"
)

type RequestKind string

const (
	KindLiveness      RequestKind = "liveness"
	KindAsyncSubmit   RequestKind = "async_submit"
	KindCheckJob      RequestKind = "check_job"
	KindGetProvenance RequestKind = "get_provenance"
	KindSetProvenance RequestKind = "set_provenance"
	KindSyncSubmit    RequestKind = "sync_submit"
)

const (
	callbackNamespace = "CallbackServer"
	checkJobOp        = "_check_job"
	submitSuffix      = "_submit"
)

// Request is a decoded callback call. Method is the canonical
// "module.function" a submit resolves to.
type Request struct {
	Kind       RequestKind
	Module     string
	Operation  string
	Method     string
	ServiceVer string
	Params     any
	JobID      string
	Body       map[string]any
}

// DecodeRequest classifies a JSON-RPC 1.1 body. A body without a method is a
// liveness probe.
func DecodeRequest(body map[string]any) (*Request, error) {
	raw, ok := body["method"]
	if !ok || raw == nil {
		return &Request{Kind: KindLiveness, Body: body}, nil
	}
	method, ok := raw.(string)
	if !ok {
		return nil, model.NewRPCError(model.ErrValidation, "method must be a string")
	}
	if method == "" {
		return &Request{Kind: KindLiveness, Body: body}, nil
	}

	module, op, err := splitMethod(method)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Module:     module,
		Operation:  op,
		Method:     method,
		ServiceVer: serviceVer(body),
		Params:     body["params"],
		Body:       body,
	}

	switch {
	case module == callbackNamespace:
		switch op {
		case "get_provenance":
			req.Kind = KindGetProvenance
		case "set_provenance":
			req.Kind = KindSetProvenance
		default:
			return nil, model.NewRPCError(model.ErrUnknownMethod, "No such CallbackServer method: "+op)
		}
	case op == checkJobOp:
		req.Kind = KindCheckJob
		id, err := checkJobID(body["params"])
		if err != nil {
			return nil, err
		}
		req.JobID = id
	case strings.HasPrefix(op, "_") && strings.HasSuffix(op, submitSuffix) && len(op) > len(submitSuffix)+1:
		req.Kind = KindAsyncSubmit
		req.Method = module + "." + op[1:len(op)-len(submitSuffix)]
	default:
		req.Kind = KindSyncSubmit
	}
	return req, nil
}

func splitMethod(method string) (string, string, error) {
	parts := strings.Split(method, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", model.NewRPCError(model.ErrValidation, fmt.Sprintf("Invalid method name: %q", method))
	}
	return parts[0], parts[1], nil
}

func checkJobID(params any) (string, error) {
	list, ok := params.([]any)
	if !ok || len(list) == 0 {
		return "", model.NewRPCError(model.ErrValidation, "check_job requires a job id")
	}
	id, ok := list[0].(string)
	if !ok || id == "" {
		return "", model.NewRPCError(model.ErrValidation, "check_job requires a job id")
	}
	return id, nil
}

// serviceVer prefers the top-level service_ver over the one in the call
// context.
func serviceVer(body map[string]any) string {
	if v, ok := body["service_ver"].(string); ok && v != "" {
		return v
	}
	if c, ok := body["context"].(map[string]any); ok {
		if v, ok := c["service_ver"].(string); ok {
			return v
		}
	}
	return ""
}

// SubmitBody is the job parameter object posted for a submit: the caller's
// body with the canonical method.
func (r *Request) SubmitBody() map[string]any {
	out := make(map[string]any, len(r.Body)+1)
	for k, v := range r.Body {
		out[k] = v
	}
	out["method"] = r.Method
	if r.ServiceVer != "" {
		out["service_ver"] = r.ServiceVer
	}
	return out
}
