package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/aide/internal/config"
)

const defaultSession = "cli"

// Wire views of server responses. Only fields the CLI prints are decoded.

type questionView struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Blocking bool   `json:"blocking"`
}

type stepView struct {
	Description string `json:"description"`
}

type proposalView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Intent struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	} `json:"intent"`
	Steps                []stepView `json:"steps"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
}

type resultView struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

type executionView struct {
	Action proposalView `json:"action"`
	Result resultView   `json:"result"`
}

type submitView struct {
	SessionID  string         `json:"session_id"`
	Outcome    string         `json:"outcome"`
	Question   *questionView  `json:"question"`
	Proposal   *proposalView  `json:"proposal"`
	Execution  *executionView `json:"execution"`
	DecisionID string         `json:"decision_id"`
	Message    string         `json:"message"`
	Pending    []string       `json:"pending"`
}

type decisionView struct {
	ID              string  `json:"id"`
	Timestamp       string  `json:"timestamp"`
	TriggerInput    string  `json:"trigger_input"`
	SelectedAction  string  `json:"selected_action"`
	ConfidenceScore float64 `json:"confidence_score"`
	Executed        bool    `json:"executed"`
}

type entityView struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func sessionPath(session string, parts ...string) string {
	p := "/v1/sessions/" + url.PathEscape(session)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func printProposal(p *proposalView) {
	fmt.Printf("%s %s (confidence %.2f)\n",
		colorize(colorBold, "Proposal "+p.ID),
		p.Intent.Action,
		p.Intent.Confidence,
	)
	for i, s := range p.Steps {
		fmt.Printf("  %d. %s\n", i+1, s.Description)
	}
	if p.RequiresConfirmation {
		fmt.Printf("  approve with: aide approve %s\n", p.ID)
	}
}

func printSubmit(v submitView) {
	if v.Message != "" {
		fmt.Println(v.Message)
	}
	switch v.Outcome {
	case "clarification":
		if v.Question != nil && v.Message == "" {
			fmt.Println(v.Question.Question)
		}
	case "proposal":
		if v.Proposal != nil {
			printProposal(v.Proposal)
		}
	case "executed":
		if v.Execution != nil {
			printResult(v.Execution.Result)
		}
	}
	for _, p := range v.Pending {
		fmt.Printf("  %s %s\n", colorize(colorYellow, "later:"), p)
	}
}

func printResult(r resultView) {
	if r.Success {
		msg := r.Message
		if msg == "" {
			msg = "done"
		}
		printSuccess("%s", msg)
		return
	}
	printError("%s", r.Error)
}

// --- say ---

var sayCmd = &cobra.Command{
	Use:   "say <text>",
	Short: "Tell the assistant something",
	Long: `Send an input through the assistant. It either asks a question, proposes
an action for approval, or acts right away when policy allows.

Examples:
  aide say "remind me to renew the passport by friday"
  aide say --kind voice "buy oat milk and eggs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"kind":    kind,
			"content": strings.Join(args, " "),
		}
		resp, err := client.post(cmd.Context(), sessionPath(session, "inputs"), req)
		if err != nil {
			return err
		}

		var v submitView
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		printSubmit(v)
		return nil
	},
}

func init() {
	sayCmd.Flags().String("kind", "text", "input kind: text, voice, or image")
}

// --- pending / approve / reject / close ---

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show the proposal waiting for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), sessionPath(session, "pending"))
		if err != nil {
			return err
		}
		if resp.StatusCode == 404 {
			resp.Body.Close()
			fmt.Println("Nothing pending.")
			return nil
		}

		var p proposalView
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printProposal(&p)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a pending proposal and run it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), sessionPath(session, "proposals", args[0], "approve"), nil)
		if err != nil {
			return err
		}

		var exec executionView
		if err := decodeJSON(resp, &exec); err != nil {
			return err
		}
		printResult(exec.Result)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), sessionPath(session, "proposals", args[0], "reject"), nil)
		if err != nil {
			return err
		}

		var p proposalView
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Rejected proposal %s", p.ID)
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "End the session; anything pending is rejected",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), sessionPath(session))
		if err != nil {
			return err
		}

		var out struct {
			Cancelled *proposalView `json:"cancelled"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if out.Cancelled != nil {
			printWarning("Rejected pending proposal %s", out.Cancelled.ID)
		}
		printSuccess("Session %s closed", session)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sayCmd, pendingCmd, approveCmd, rejectCmd, closeCmd} {
		c.Flags().String("session", defaultSession, "session id")
	}
}

// --- decisions ---

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Inspect the decision ledger",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent decisions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if s, _ := cmd.Flags().GetString("session"); s != "" {
			q.Set("session", s)
		}
		if e, _ := cmd.Flags().GetString("entity"); e != "" {
			q.Set("entity", e)
		}
		if cmd.Flags().Changed("below") {
			below, _ := cmd.Flags().GetFloat64("below")
			q.Set("below", strconv.FormatFloat(below, 'f', -1, 64))
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/decisions?"+q.Encode())
		if err != nil {
			return err
		}

		var decisions []decisionView
		if err := decodeJSON(resp, &decisions); err != nil {
			return err
		}
		if len(decisions) == 0 {
			fmt.Println("No decisions found.")
			return nil
		}

		for _, d := range decisions {
			mark := " "
			if d.Executed {
				mark = colorize(colorGreen, "✓")
			}
			fmt.Printf("%s %s  %s  %-16s %.2f  %s\n",
				mark,
				colorize(colorCyan, shortID(d.ID)),
				d.Timestamp,
				d.SelectedAction,
				d.ConfidenceScore,
				truncate(d.TriggerInput, 60),
			)
		}
		return nil
	},
}

var decisionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single decision as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/decisions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var decision any
		if err := decodeJSON(resp, &decision); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

var decisionsExplainCmd = &cobra.Command{
	Use:   "explain <id>",
	Short: "Explain why a decision was made",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/decisions/"+url.PathEscape(args[0])+"/explain")
		if err != nil {
			return err
		}
		text, err := readText(resp)
		if err != nil {
			return err
		}
		fmt.Print(text)
		if !strings.HasSuffix(text, "\n") {
			fmt.Println()
		}
		return nil
	},
}

func init() {
	decisionsListCmd.Flags().String("session", "", "only decisions of this session")
	decisionsListCmd.Flags().String("entity", "", "only decisions referencing this entity id")
	decisionsListCmd.Flags().Float64("below", 0, "only decisions with confidence below this value")
	decisionsListCmd.Flags().Int("limit", 20, "maximum number of decisions to list")
	decisionsCmd.AddCommand(decisionsListCmd, decisionsShowCmd, decisionsExplainCmd)
}

// --- prompt ---

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Report responses to assistant-initiated prompts",
}

var promptStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the assistant may prompt right now",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), sessionPath(session, "prompts"))
		if err != nil {
			return err
		}

		var st struct {
			Allowed      bool    `json:"allowed"`
			Level        float64 `json:"throttle_level"`
			DelayMinutes int     `json:"delay_minutes"`
			Metrics      struct {
				Shown       int `json:"total_prompts_shown"`
				Dismissals  int `json:"dismissals"`
				Acceptances int `json:"acceptances"`
			} `json:"metrics"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		if st.Allowed {
			printStatus("Prompts", "allowed")
		} else {
			printStatus("Prompts", "held back for %d min", st.DelayMinutes)
		}
		printStatus("Throttle", "%.2f", st.Level)
		printStatus("Shown", "%d", st.Metrics.Shown)
		printStatus("Dismissed", "%d", st.Metrics.Dismissals)
		printStatus("Accepted", "%d", st.Metrics.Acceptances)
		return nil
	},
}

func promptEventCmd(event, short string) *cobra.Command {
	return &cobra.Command{
		Use:   event,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")

			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), sessionPath(session, "prompts", event), nil)
			if err != nil {
				return err
			}
			var m map[string]any
			if err := decodeJSON(resp, &m); err != nil {
				return err
			}
			printSuccess("Recorded prompt %s", event)
			return nil
		},
	}
}

var promptResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget all prompt engagement for the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), sessionPath(session, "engagement"))
		if err != nil {
			return err
		}
		var m map[string]string
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		printSuccess("Engagement reset")
		return nil
	},
}

func init() {
	cmds := []*cobra.Command{
		promptStatusCmd,
		promptEventCmd("shown", "Record that a prompt was shown"),
		promptEventCmd("dismissed", "Record that a prompt was dismissed"),
		promptEventCmd("accepted", "Record that a prompt was accepted"),
		promptResetCmd,
	}
	for _, c := range cmds {
		c.Flags().String("session", defaultSession, "session id")
		promptCmd.AddCommand(c)
	}
}

// --- entities ---

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List things the assistant created",
}

var entitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, events, notes, and other entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if kind != "" {
			q.Set("kind", kind)
		}
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/entities?"+q.Encode())
		if err != nil {
			return err
		}

		var entities []entityView
		if err := decodeJSON(resp, &entities); err != nil {
			return err
		}
		if len(entities) == 0 {
			fmt.Println("No entities found.")
			return nil
		}
		for _, e := range entities {
			fmt.Printf("%s  %-8s %-6s %s\n",
				colorize(colorCyan, shortID(e.ID)),
				e.Kind,
				e.Status,
				truncate(e.Title, 70),
			)
		}
		return nil
	},
}

var entitiesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single entity as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/entities/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var entity any
		if err := decodeJSON(resp, &entity); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entity)
	},
}

func init() {
	entitiesListCmd.Flags().String("kind", "", "only entities of this kind (task, event, note, ...)")
	entitiesListCmd.Flags().Int("limit", 20, "maximum number of entities to list")
	entitiesCmd.AddCommand(entitiesListCmd, entitiesShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  ") +
		"\n\nThe API token (api.token) is stored in the platform keychain.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if key == "api.token" {
			printSuccess("Stored %s in keychain", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
