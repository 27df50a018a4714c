package cli

import (
	"github.com/fatih/color"

	"github.com/nao1215/gatekeeper/internal/gateway"
)

// actionColor は判定結果の種別ごとの表示色を返す。
func actionColor(a gateway.Action) *color.Color {
	switch a {
	case gateway.ActionRedirectLogin:
		return warnColor
	case gateway.ActionRedirectHome:
		return okColor
	case gateway.ActionProxyRewrite:
		return color.New(color.FgCyan, color.Bold)
	default:
		return dimColor
	}
}
