// Gatewayサービスのエントリポイント。
// 独立してデプロイされた複数のアプリケーションを1つのホストの背後で束ね、
// パスに応じた振り分けとアプリケーションごとのログイン要否の判定を担当する。
package main

import "github.com/nao1215/gatekeeper/internal/cli"

func main() {
	cli.Execute()
}
