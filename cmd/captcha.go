package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"hostfetch/captcha"
	"hostfetch/internal"
)

var captchaCmd = &cobra.Command{
	Use:   "captcha",
	Short: "Inspect the challenge solving backend",
}

var captchaBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Log in to the solving API and print the remaining balance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.CaptchaEndpoint == "" || config.CaptchaUsername == "" {
			return internal.NewValidationError("captcha", "solving API is not configured").
				WithSuggestion("Set HOSTFETCH_CAPTCHA_ENDPOINT, HOSTFETCH_CAPTCHA_USER and HOSTFETCH_CAPTCHA_PASS")
		}

		ctx, cancel := signalContext()
		defer cancel()

		solver := captcha.NewTicketSolver(newClient(), captcha.TicketConfig{
			Endpoint:  config.CaptchaEndpoint,
			Username:  config.CaptchaUsername,
			Password:  config.CaptchaPassword,
			PollLimit: config.CaptchaPollLimit,
		})

		balance, err := solver.Authenticate(ctx, config.CaptchaUsername, config.CaptchaPassword)
		if err != nil {
			return err
		}

		fmt.Printf("%s\t%d\n", config.CaptchaUsername, balance)
		fmt.Printf("capabilities\t%s\n", solver.Capabilities())
		return nil
	},
}

func init() {
	captchaCmd.AddCommand(captchaBalanceCmd)
}
