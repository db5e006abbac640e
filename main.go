package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SecureMessaging/euara-bs/internal/config"
	"github.com/SecureMessaging/euara-bs/internal/release"
)

// 退出码约定：0 成功，1 运行时失败，2 用法错误，3 发布物校验失败。
const (
	exitOK             = 0
	exitRuntime        = 1
	exitUsage          = 2
	exitInvalidRelease = 3
)

// configEnvVar 可以在未传 --config 时指定配置文件路径。
const configEnvVar = config.EnvPrefix + "_CONFIG"

const defaultConfigPath = "euara-bs.toml"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 解析参数并执行子命令，返回退出码，方便测试。
func run(args []string) int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stdErr, "加载 .env 失败: %v\n", err)
		return exitRuntime
	}

	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var cmdErr *commandError
	if !errors.As(err, &cmdErr) {
		fmt.Fprintln(stdErr, err.Error())
		return exitUsage
	}
	fmt.Fprintln(stdErr, cmdErr.Error())
	return cmdErr.code
}

// commandError 区分命令执行阶段的失败与 cobra 的参数解析错误。
type commandError struct {
	code int
	err  error
}

func (e *commandError) Error() string { return e.err.Error() }

func (e *commandError) Unwrap() error { return e.err }

// failed 将业务错误映射为退出码；发布物校验失败单独使用 exitInvalidRelease。
func failed(format string, err error) error {
	code := exitRuntime
	if errors.Is(err, release.ErrInvalidRelease) {
		code = exitInvalidRelease
	}
	return &commandError{code: code, err: fmt.Errorf(format, err)}
}

// resolveConfigPath 按 --config > EUARA_BS_CONFIG > 默认值 的顺序确定配置路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}
	return defaultConfigPath
}

func newRootCommand() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "euara-bs",
		Short:         "Resolve, download and cache application releases",
		Long:          "euara-bs fetches versioned release tarballs from a distribution source, caches them under AppDir and serves the pinned release.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./euara-bs.toml，可被 "+configEnvVar+" 覆盖）")

	configPath := func() string { return resolveConfigPath(configFlag) }

	root.AddCommand(
		newEntryCommand(configPath),
		newLatestCommand(configPath),
		newFetchCommand(configPath),
		newPinCommand(configPath),
		newVersionsCommand(configPath),
		newPruneCommand(configPath),
		newServeCommand(configPath),
		newCheckConfigCommand(configPath),
		newVersionCommand(),
	)
	return root
}
