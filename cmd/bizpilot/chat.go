package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/orchestrator"
	"github.com/codefionn/bizpilot/internal/schema"
	"github.com/codefionn/bizpilot/internal/stream"
)

var (
	chatMode    string
	chatUser    string
	chatContext string
	chatConfirm string
	chatStream  bool
)

// chatCmd sends one request through the orchestrator without the HTTP layer.
var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Send one chat request from the terminal",
	Long: `Send one chat request and print the answer. The message is read from the
arguments or, when stdin is not a terminal, from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		message, err := readMessage(args, os.Stdin)
		if err != nil {
			return err
		}

		a, err := openBackend(true)
		if err != nil {
			return err
		}
		defer a.Close()

		body, err := chatRequestBody(message)
		if err != nil {
			return err
		}
		req, err := schema.ParseRequest(body, a.cfg.MaxHistory)
		if err != nil {
			return err
		}

		out, err := a.ctrl.Handle(cmd.Context(), chatUser, req)
		if err != nil {
			return err
		}
		return printOutcome(cmd.OutOrStdout(), out, isTerminal(os.Stdout))
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatMode, "mode", "auto", "Operating mode: auto, plan or ask-first")
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "User id the tools act for")
	chatCmd.Flags().StringVar(&chatContext, "context", "", "Open entity as <type>:<id>")
	chatCmd.Flags().StringVar(&chatConfirm, "confirm", "", "Confirm the tool call with this id (matches only an identical call id)")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "Stream the final answer")
}

// readMessage joins args, or reads stdin when there are none and stdin is
// piped.
func readMessage(args []string, stdin *os.File) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if isTerminal(stdin) {
		return "", fmt.Errorf("no message given")
	}
	data, err := io.ReadAll(io.LimitReader(stdin, consts.MaxRequestBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	message := strings.TrimSpace(string(data))
	if message == "" {
		return "", fmt.Errorf("no message given")
	}
	return message, nil
}

// chatRequestBody builds the same JSON document POST /chat accepts, so the
// CLI goes through the same validation.
func chatRequestBody(message string) ([]byte, error) {
	body := map[string]any{
		"message": message,
		"mode":    chatMode,
		"stream":  chatStream,
	}
	if chatContext != "" {
		body["contextId"] = chatContext
	}
	if chatConfirm != "" {
		body["confirmedAction"] = true
		body["confirmedToolCallId"] = chatConfirm
	}
	return json.Marshal(body)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func printOutcome(w io.Writer, out *orchestrator.Outcome, pretty bool) error {
	switch out.Kind {
	case orchestrator.KindNeedsConfirmation:
		c := out.Confirmation
		args, _ := json.Marshal(c.Args)
		// A new run asks the model again, and --confirm only matches when it
		// proposes the same call id.
		fmt.Fprintf(w, "%s\n\n  %s %s (appel %s)\n\n"+
			"Pour exécuter, relancez avec --mode auto.\n"+
			"--confirm %s ne s'applique que si le modèle propose de nouveau cet appel.\n",
			c.Message, c.Tool, args, c.ToolCallID, c.ToolCallID)
		return nil
	case orchestrator.KindForbidden:
		fmt.Fprintln(w, out.Forbidden.Message)
		return nil
	case orchestrator.KindStream:
		return printEvents(w, out.Events)
	}

	resp := out.Response
	printSteps(w, resp.WorkingSteps)
	fmt.Fprint(w, render(resp.Message, pretty))
	for _, e := range resp.EntitiesCreated {
		fmt.Fprintf(w, "  → %s %q (%s)\n", e.Type, e.Title, e.ID)
	}
	for _, tab := range resp.TabsToOpen {
		fmt.Fprintf(w, "  ↗ %s (%s)\n", tab.Title, tab.Path)
	}
	return nil
}

func printSteps(w io.Writer, steps []string) {
	for _, step := range steps {
		fmt.Fprintf(w, "✓ %s\n", step)
	}
	if len(steps) > 0 {
		fmt.Fprintln(w)
	}
}

// printEvents writes text deltas as they arrive. The channel is always
// drained.
func printEvents(w io.Writer, events <-chan stream.Event) error {
	var streamErr error
	for ev := range events {
		switch ev.Type {
		case stream.EventMetadata:
			printSteps(w, ev.Metadata.WorkingSteps)
		case stream.EventText:
			fmt.Fprint(w, ev.Content)
		case stream.EventError:
			streamErr = fmt.Errorf("%s", ev.Message)
		}
	}
	fmt.Fprintln(w)
	return streamErr
}

func render(markdown string, pretty bool) string {
	if !pretty || strings.TrimSpace(markdown) == "" {
		return markdown + "\n"
	}
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 2
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return markdown + "\n"
	}
	out, err := r.Render(markdown)
	if err != nil {
		return markdown + "\n"
	}
	return out
}
