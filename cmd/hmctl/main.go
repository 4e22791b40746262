// HabitMind CLI: talks to a running habitmind daemon over its HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hmctl",
		Short: "HabitMind CLI - track actions and inspect what the engine learned",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "daemon base URL")

	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(remindersCmd())
	rootCmd.AddCommand(routinesCmd())
	rootCmd.AddCommand(prefsCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// --- HTTP helpers ---

func apiURL(path string) string {
	return strings.TrimRight(serverURL, "/") + "/api/v1" + path
}

func doRequest(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiURL(path), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d from daemon", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// --- Commands ---

// trackCmd sends one observed action or state change to the daemon
func trackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track [person] [action]",
		Short: "Record an observed action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stateChange, _ := cmd.Flags().GetBool("state-change")
			feedback, _ := cmd.Flags().GetString("feedback")
			value, _ := cmd.Flags().GetFloat64("value")
			prompt, _ := cmd.Flags().GetString("prompt")
			customPairs, _ := cmd.Flags().GetStringSlice("custom")

			req := map[string]interface{}{
				"personId":   args[0],
				"actionType": args[1],
			}
			if stateChange {
				req["eventType"] = "state_change"
			}
			if feedback != "" {
				if feedback != "increase" && feedback != "decrease" {
					return fmt.Errorf("--feedback must be increase or decrease")
				}
				req["probabilityAction"] = feedback
				req["probabilityValue"] = value
			}
			if prompt != "" {
				req["userPrompt"] = prompt
			}
			if len(customPairs) > 0 {
				custom := make(map[string]string, len(customPairs))
				for _, pair := range customPairs {
					k, v, ok := strings.Cut(pair, "=")
					if !ok {
						return fmt.Errorf("--custom wants key=value, got %q", pair)
					}
					custom[k] = v
				}
				req["customData"] = custom
			}

			var resp struct {
				EventID               string   `json:"eventId"`
				ScheduledCandidateIDs []string `json:"scheduledCandidateIds"`
				RelatedReminderID     string   `json:"relatedReminderId"`
				RoutineReminderIDs    []string `json:"routineReminderIds"`
			}
			if err := doRequest("POST", "/events", req, &resp); err != nil {
				return err
			}

			fmt.Printf("Recorded event %s\n", resp.EventID)
			if len(resp.ScheduledCandidateIDs) > 0 {
				fmt.Printf("  scheduled %d reminder candidate(s)\n", len(resp.ScheduledCandidateIDs))
			}
			if resp.RelatedReminderID != "" {
				fmt.Printf("  reinforced reminder %s\n", resp.RelatedReminderID)
			}
			if len(resp.RoutineReminderIDs) > 0 {
				fmt.Printf("  attributed to %d routine reminder(s)\n", len(resp.RoutineReminderIDs))
			}
			return nil
		},
	}
	cmd.Flags().Bool("state-change", false, "Record as a state change (intent) instead of an action")
	cmd.Flags().String("feedback", "", "Explicit feedback: increase or decrease")
	cmd.Flags().Float64("value", 0.1, "Feedback magnitude")
	cmd.Flags().String("prompt", "", "What to say when the learned reminder fires")
	cmd.Flags().StringSlice("custom", nil, "Custom data as key=value, repeatable")
	return cmd
}

// remindersCmd lists a person's reminder candidates
func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders [person]",
		Short: "List reminder candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")

			path := fmt.Sprintf("/people/%s/reminders", url.PathEscape(args[0]))
			if !all {
				path += "?status=scheduled"
			}

			var list []struct {
				ID              string  `json:"id"`
				SuggestedAction string  `json:"suggested_action"`
				CheckAtUTC      string  `json:"check_at_utc"`
				Status          string  `json:"status"`
				Confidence      float64 `json:"confidence"`
				Occurrence      string  `json:"occurrence"`
				PatternStatus   string  `json:"pattern_status"`
			}
			if err := doRequest("GET", path, nil, &list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No reminders.")
				return nil
			}

			for _, r := range list {
				line := fmt.Sprintf("%-10s %.2f  %s at %s", r.Status, r.Confidence, r.SuggestedAction, r.CheckAtUTC)
				if r.Occurrence != "" {
					line += fmt.Sprintf("  (%s)", r.Occurrence)
				}
				fmt.Println(line)
				fmt.Printf("           id=%s pattern=%s\n", r.ID, r.PatternStatus)
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Include executed, skipped, and expired reminders")
	return cmd
}

// routinesCmd lists a person's learned routines
func routinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routines [person]",
		Short: "List learned routines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []struct {
				ID         string `json:"id"`
				IntentType string `json:"intent_type"`
			}
			path := fmt.Sprintf("/people/%s/routines", url.PathEscape(args[0]))
			if err := doRequest("GET", path, nil, &list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No routines yet.")
				return nil
			}

			for _, routine := range list {
				fmt.Printf("%s  (%s)\n", routine.IntentType, routine.ID)

				var reminders []struct {
					SuggestedAction string  `json:"suggested_action"`
					Confidence      float64 `json:"confidence"`
				}
				if err := doRequest("GET", "/routines/"+routine.ID+"/reminders", nil, &reminders); err != nil {
					return err
				}
				for _, r := range reminders {
					fmt.Printf("   %.2f  %s\n", r.Confidence, r.SuggestedAction)
				}
			}
			return nil
		},
	}
}

// prefsCmd shows or updates reminder preferences
func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs [person]",
		Short: "Show reminder preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefs map[string]interface{}
			path := fmt.Sprintf("/people/%s/preferences", url.PathEscape(args[0]))
			if err := doRequest("GET", path, nil, &prefs); err != nil {
				return err
			}
			data, _ := json.MarshalIndent(prefs, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set [person]",
		Short: "Update reminder preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			style, _ := cmd.Flags().GetString("style")
			dailyLimit, _ := cmd.Flags().GetInt("daily-limit")
			interval, _ := cmd.Flags().GetInt("interval-minutes")
			enabled, _ := cmd.Flags().GetBool("enabled")
			autoExec, _ := cmd.Flags().GetBool("auto-execute")

			req := map[string]interface{}{
				"default_style":            style,
				"daily_limit":              dailyLimit,
				"minimum_interval_minutes": interval,
				"enabled":                  enabled,
				"allow_auto_execute":       autoExec,
			}
			path := fmt.Sprintf("/people/%s/preferences", url.PathEscape(args[0]))
			if err := doRequest("PUT", path, req, nil); err != nil {
				return err
			}
			fmt.Println("Preferences updated.")
			return nil
		},
	}
	setCmd.Flags().String("style", "ask", "Default style: ask, suggest, silent")
	setCmd.Flags().Int("daily-limit", 10, "Max spoken reminders per day")
	setCmd.Flags().Int("interval-minutes", 30, "Minimum minutes between spoken reminders")
	setCmd.Flags().Bool("enabled", true, "Enable reminders")
	setCmd.Flags().Bool("auto-execute", false, "Allow safe high-confidence reminders to run silently")

	cmd.AddCommand(setCmd)
	return cmd
}

// notificationsCmd lists recent notifications
func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications [person]",
		Short: "List recent notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			var list []struct {
				ID        string    `json:"id"`
				Kind      string    `json:"kind"`
				Title     string    `json:"title"`
				Read      bool      `json:"read"`
				CreatedAt time.Time `json:"created_at"`
			}
			path := fmt.Sprintf("/people/%s/notifications?limit=%d", url.PathEscape(args[0]), limit)
			if err := doRequest("GET", path, nil, &list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No notifications.")
				return nil
			}

			for _, n := range list {
				marker := " "
				if !n.Read {
					marker = "*"
				}
				fmt.Printf("%s %s [%s] %s\n", marker, n.CreatedAt.Format("2006-01-02 15:04"), n.Kind, n.Title)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Max results")
	return cmd
}

// historyCmd queries the append-only execution history
func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the execution history",
		RunE: func(cmd *cobra.Command, args []string) error {
			verify, _ := cmd.Flags().GetBool("verify")
			person, _ := cmd.Flags().GetString("person")
			endpoint, _ := cmd.Flags().GetString("endpoint")
			limit, _ := cmd.Flags().GetInt("limit")

			if verify {
				var resp struct {
					Valid   bool   `json:"valid"`
					Entries int    `json:"entries"`
					Error   string `json:"error"`
				}
				if err := doRequest("GET", "/history/verify", nil, &resp); err != nil {
					return err
				}
				if resp.Valid {
					fmt.Printf("Chain valid: %d entries\n", resp.Entries)
				} else {
					fmt.Printf("Chain INVALID: %s\n", resp.Error)
				}
				return nil
			}

			query := url.Values{}
			if person != "" {
				query.Set("person", person)
			}
			if endpoint != "" {
				query.Set("endpoint", endpoint)
			}
			query.Set("limit", fmt.Sprintf("%d", limit))

			var entries []struct {
				ExecutedAtUTC time.Time `json:"executed_at_utc"`
				Endpoint      string    `json:"endpoint"`
				PersonID      string    `json:"person_id"`
				ActionType    string    `json:"action_type"`
			}
			if err := doRequest("GET", "/history?"+query.Encode(), nil, &entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No history entries.")
				return nil
			}

			for _, e := range entries {
				fmt.Printf("%s  %-20s %s %s\n", e.ExecutedAtUTC.Format("2006-01-02 15:04:05"), e.Endpoint, e.PersonID, e.ActionType)
			}
			return nil
		},
	}
	cmd.Flags().Bool("verify", false, "Verify the hash chain instead of listing")
	cmd.Flags().String("person", "", "Filter by person")
	cmd.Flags().String("endpoint", "", "Filter by operation, e.g. reminder.executed")
	cmd.Flags().Int("limit", 20, "Max results")
	return cmd
}

// statusCmd shows daemon health and active policy settings
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health map[string]interface{}
			if err := doRequest("GET", "/health", nil, &health); err != nil {
				return err
			}
			fmt.Printf("Daemon: %v at %s\n", health["status"], serverURL)

			var settings map[string]interface{}
			if err := doRequest("GET", "/settings", nil, &settings); err != nil {
				return err
			}
			data, _ := json.MarshalIndent(settings, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show hmctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hmctl %s\n", version)
		},
	}
}
