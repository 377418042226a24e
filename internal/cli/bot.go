package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// botHeaders — колонки табличного вывода ботов.
var botHeaders = []string{"ID", "USER", "MEETING", "PLATFORM", "STATUS", "CREATED"}

func botRow(b BotResponse) []string {
	status := b.Status
	if b.OverQuota {
		status += " (over quota)"
	}
	return []string{
		b.ID,
		strconv.FormatInt(b.UserID, 10),
		strconv.FormatInt(b.MeetingID, 10),
		b.Platform,
		status,
		b.CreatedAt,
	}
}

// NewBotCmd создаёт группу команд для управления ботами.
func NewBotCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage meeting bots",
	}

	cmd.AddCommand(
		newBotStartCmd(clientFn, outputFn),
		newBotListCmd(clientFn, outputFn),
		newBotShowCmd(clientFn, outputFn),
		newBotStopCmd(clientFn, outputFn),
		newBotSendCmd(clientFn, outputFn),
	)

	return cmd
}

func newBotStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req StartBotRequest

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a bot for a meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			bot, err := client.StartBot(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Bot started: %s", bot.ID))
			out.Print(botHeaders, [][]string{botRow(*bot)}, bot)
			return nil
		},
	}

	cmd.Flags().Int64Var(&req.UserID, "user", 0, "User ID (required)")
	cmd.Flags().Int64Var(&req.MeetingID, "meeting", 0, "Meeting ID (required)")
	cmd.Flags().StringVar(&req.MeetingURL, "url", "", "Meeting URL (required)")
	cmd.Flags().StringVar(&req.Platform, "platform", "google_meet", "Meeting platform")
	cmd.Flags().StringVar(&req.NativeMeetingID, "native-id", "", "Platform-native meeting ID")
	cmd.Flags().StringVar(&req.BotName, "name", "", "Bot display name")
	cmd.Flags().StringVar(&req.Language, "language", "", "Transcription language")
	cmd.Flags().StringVar(&req.Task, "task", "", "Worker task (transcribe/translate)")
	cmd.Flags().StringVar(&req.UserToken, "token", "", "User token passed to the worker")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("meeting")
	cmd.MarkFlagRequired("url")

	return cmd
}

func newBotListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active bots of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			bots, err := client.ListBots(userID)
			if err != nil {
				return err
			}

			rows := make([][]string, len(bots))
			for i, b := range bots {
				rows[i] = botRow(b)
			}

			out.Print(botHeaders, rows, bots)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User ID (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func newBotShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show bot session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			bot, err := client.GetBot(args[0])
			if err != nil {
				return err
			}

			out.Print(botHeaders, [][]string{botRow(*bot)}, bot)
			return nil
		},
	}
}

func newBotStopCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			bot, err := client.StopBot(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Bot stopped: %s", bot.ID))
			out.Print(botHeaders, [][]string{botRow(*bot)}, bot)
			return nil
		},
	}
}

func newBotSendCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req CommandRequest

	cmd := &cobra.Command{
		Use:   "send ID",
		Short: "Send a command to a bot worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if err := client.SendCommand(args[0], req); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Command %q sent to bot %s", req.Action, args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Action, "action", "", "Command action: stop, reconfigure or leave (required)")
	cmd.Flags().StringVar(&req.Language, "language", "", "New transcription language (reconfigure)")
	cmd.Flags().StringVar(&req.Task, "task", "", "New worker task (reconfigure)")
	cmd.MarkFlagRequired("action")

	return cmd
}

// NewReconcileCmd создаёт команду внеочередной сверки.
func NewReconcileCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile USER_ID",
		Short: "Run an on-demand reconcile sweep for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id: %s", args[0])
			}

			res, err := client.ReconcileUser(userID)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Reconcile done for user %d, %d session(s) over quota", res.UserID, res.OverQuota))
			if out.jsonMode {
				out.JSON(res)
			}
			return nil
		},
	}
}
