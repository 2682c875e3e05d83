package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replaydock/internal/browser"
	"github.com/xkilldash9x/replaydock/internal/observability"
)

// newLoginCmd creates the `login` command: a headed browser at the executor's
// site whose cookies are saved once the user is done logging in.
func newLoginCmd(factory componentsFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "login EXECUTOR",
		Short: "Opens a browser window to log in and saves the session cookies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			ecfg, err := cfg.Executor(args[0])
			if err != nil {
				return err
			}
			cookiesPath := cfg.Session().CookiesPath
			if cookiesPath == "" {
				return fmt.Errorf("session.cookies_path is not configured")
			}
			cfg.SetBrowserHeadless(false)

			components, err := factory(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			page, err := components.Sessions.NewSession(ctx, browser.SessionOptions{
				AvailableActions: ecfg.AvailableActions,
				CookiesPath:      cookiesPath,
				SaveCookies:      true,
			})
			if err != nil {
				return fmt.Errorf("failed to open browser session: %w", err)
			}
			if err := page.Navigate(ctx, ecfg.URL); err != nil {
				_ = page.Close(context.Background())
				return fmt.Errorf("failed to open %s: %w", ecfg.URL, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Log in to %s in the browser window, then press Enter here.\n", ecfg.URL)
			waitErr := waitForEnter(ctx, cmd.InOrStdin())

			// Close saves the cookies, even when the wait was interrupted.
			if err := page.Close(context.Background()); err != nil {
				return fmt.Errorf("failed to save cookies: %w", err)
			}
			if waitErr != nil {
				return waitErr
			}
			logger.Info("Login session saved", zap.String("executor", ecfg.Name), zap.String("cookies", cookiesPath))
			fmt.Fprintf(cmd.OutOrStdout(), "Cookies saved to %s\n", cookiesPath)
			return nil
		},
	}
}

// waitForEnter blocks until a line is read from in or ctx ends.
func waitForEnter(ctx context.Context, in io.Reader) error {
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(in).ReadString('\n')
		if err == io.EOF {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
