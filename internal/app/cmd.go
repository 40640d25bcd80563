package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はBFFサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションを掃除するワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示することを示す。
	CommandHelp Command = "help"
)

// ErrUsage はコマンドライン引数が不正なことを示す。
var ErrUsage = errors.New("invalid arguments")

// commandUsages は使い方に表示するサブコマンドの一覧。
var commandUsages = []struct {
	usage string
	desc  string
}{
	{"serve", "BFFサーバーを起動する（既定）"},
	{"worker", "期限切れセッションレコードを定期的に削除する"},
	{"migrate", "データベースマイグレーションを適用する"},
	{"healthcheck [port]", "/health を確認する。portの既定はSERVER_PORT"},
	{"help", "この使い方を表示する"},
}

// Invocation は解析済みのコマンドライン。
type Invocation struct {
	Command Command
	// Port はhealthcheckの確認先ポート。空の場合はSERVER_PORTを使う。
	Port string
}

// ParseArgs はコマンドライン引数（os.Args[1:]）を解析する。
// 引数が空の場合はserveになる。未知のサブコマンドと余分な引数はErrUsageを返す。
func ParseArgs(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	name, rest := args[0], args[1:]
	switch name {
	case "serve", "worker", "migrate":
		if len(rest) > 0 {
			return Invocation{}, fmt.Errorf("%w: %s does not take arguments: %v", ErrUsage, name, rest)
		}
		return Invocation{Command: Command(name)}, nil
	case "healthcheck":
		if len(rest) > 1 {
			return Invocation{}, fmt.Errorf("%w: healthcheck takes at most one port: %v", ErrUsage, rest)
		}
		inv := Invocation{Command: CommandHealthcheck}
		if len(rest) == 1 {
			if !validPort(rest[0]) {
				return Invocation{}, fmt.Errorf("%w: invalid port %q", ErrUsage, rest[0])
			}
			inv.Port = rest[0]
		}
		return inv, nil
	case "help", "-h", "--help":
		return Invocation{Command: CommandHelp}, nil
	default:
		return Invocation{}, fmt.Errorf("%w: unknown command %q", ErrUsage, name)
	}
}

// Usage はサブコマンドの使い方を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: payportal <command>\n\ncommands:\n")
	for _, c := range commandUsages {
		fmt.Fprintf(&b, "  %-20s %s\n", c.usage, c.desc)
	}
	return b.String()
}

func validPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0 && n <= 65535
}
