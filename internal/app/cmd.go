package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（ゲート・REST API・ワークスペースのWebSocket）を起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限超過リマインドとクリーンアップの定期ジョブを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// MigrateAction はmigrateサブコマンドの動作。
type MigrateAction string

const (
	MigrateUp      MigrateAction = "up"
	MigrateDown    MigrateAction = "down"
	MigrateVersion MigrateAction = "version"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// ParseMigrateAction は "migrate" に続く引数から動作を解析する。
// 省略時はMigrateUp。不明な値の場合はokがfalse。
func ParseMigrateAction(args []string) (action MigrateAction, ok bool) {
	if len(args) < 2 {
		return MigrateUp, true
	}
	switch MigrateAction(args[1]) {
	case MigrateUp, MigrateDown, MigrateVersion:
		return MigrateAction(args[1]), true
	default:
		return "", false
	}
}
