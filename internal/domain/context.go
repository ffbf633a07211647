package domain

import "context"

type ctxKey string

const pluginCtxKey ctxKey = "plugin_context"

// PluginContext scopes a call to the window and workspace that issued it.
// It travels on the wire as the envelope's context object.
type PluginContext struct {
	ID          string `json:"id,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Label       string `json:"label,omitempty"`
}

// ContextWithPluginContext returns a new context carrying the plugin call scope.
func ContextWithPluginContext(ctx context.Context, pctx *PluginContext) context.Context {
	return context.WithValue(ctx, pluginCtxKey, pctx)
}

// PluginContextFromContext extracts the plugin call scope from the context.
// Returns nil if not set.
func PluginContextFromContext(ctx context.Context) *PluginContext {
	if v, ok := ctx.Value(pluginCtxKey).(*PluginContext); ok {
		return v
	}
	return nil
}
