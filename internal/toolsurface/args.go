package toolsurface

import "github.com/kdlbs/taskbroker/internal/domain"

func stringArg(args map[string]interface{}, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intArg(args map[string]interface{}, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func boolArg(args map[string]interface{}, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapArg(args map[string]interface{}, key string) map[string]any {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

func capabilitiesArg(args map[string]interface{}, key string) []domain.Capability {
	raw := stringSliceArg(args, key)
	if raw == nil {
		return nil
	}
	out := make([]domain.Capability, 0, len(raw))
	for _, s := range raw {
		out = append(out, domain.Capability(s))
	}
	return out
}

func capabilitySetArg(args map[string]interface{}, key string) map[domain.Capability]struct{} {
	caps := capabilitiesArg(args, key)
	if caps == nil {
		return nil
	}
	return domain.CapabilitySet(caps)
}

func workspaceContextArg(args map[string]interface{}, key string) *domain.WorkspaceContext {
	m := mapArg(args, key)
	if m == nil {
		return nil
	}
	wc := &domain.WorkspaceContext{}
	if kind, ok := m["kind"].(string); ok {
		wc.Kind = domain.WorkspaceKind(kind)
	}
	if repoID, ok := m["repoId"].(string); ok {
		wc.RepoID = repoID
	}
	if branch, ok := m["branch"].(string); ok {
		wc.Branch = branch
	}
	if path, ok := m["path"].(string); ok {
		wc.Path = path
	}
	return wc
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
