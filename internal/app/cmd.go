package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hitoshi/authgate/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。引数なしの場合の既定。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションのクリーンアップワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はauthgateのルートコマンドを生成する。
// ログはwに出力する。サブコマンドなしで実行した場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newConfiguredCommand(w, CommandServe, "Run the authentication API server", runServe)

	root := &cobra.Command{
		Use:           "authgate",
		Short:         "Credential and session gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		newConfiguredCommand(w, CommandWorker, "Purge expired sessions periodically", runWorker),
		&cobra.Command{
			Use:   string(CommandMigrate),
			Short: "Apply pending database migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := Init(w)
				if err != nil {
					return err
				}
				return runMigrate(cfg)
			},
		},
		&cobra.Command{
			Use:   string(CommandHealthcheck),
			Short: "Probe the local /health endpoint",
			Args:  cobra.NoArgs,
			// フル初期化をスキップする軽量サブコマンド
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runHealthcheck(cmd.Context(), "localhost:"+healthcheckPort())
			},
		},
	)

	return root
}

// newConfiguredCommand は設定を読み込んでからrunを呼ぶサブコマンドを生成する。
func newConfiguredCommand(w io.Writer, name Command, short string, run func(ctx context.Context, cfg *config.Config) error) *cobra.Command {
	return &cobra.Command{
		Use:   string(name),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			slog.Info("starting application",
				slog.String("command", string(name)),
				slog.String("port", cfg.ServerPort),
			)
			return run(cmd.Context(), cfg)
		},
	}
}
