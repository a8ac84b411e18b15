package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/internal/protocol"
)

func relayFlags(cmd *cobra.Command, relayFlag, tokenFlag *string) {
	cmd.Flags().StringVar(relayFlag, "relay", envOr("PERCH_RELAY", "http://localhost:8724"), "relay base URL")
	cmd.Flags().StringVar(tokenFlag, "token", os.Getenv("PERCH_TOKEN"), "client token")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func sessionsCmd() *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions on the relay",
	}
	sessions.AddCommand(sessionsListCmd(), sessionsCreateCmd(), sessionsStartCmd(), sessionsDeleteCmd())
	return sessions
}

func sessionsListCmd() *cobra.Command {
	var relayFlag, tokenFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sessions []protocol.SessionInfo
			if err := relayGet(relayFlag, tokenFlag, "/sessions", &sessions); err != nil {
				return err
			}
			for _, s := range sessions {
				state := "stopped"
				if s.Running {
					state = "running"
				}
				fmt.Printf("%s  %-8s  %s\n", s.ID, state, s.Title)
			}
			return nil
		},
	}
	relayFlags(cmd, &relayFlag, &tokenFlag)
	return cmd
}

func sessionsCreateCmd() *cobra.Command {
	var relayFlag, tokenFlag, titleFlag, workDirFlag string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"title":   titleFlag,
				"workDir": workDirFlag,
			})
			if err != nil {
				return err
			}
			var info protocol.SessionInfo
			if err := relayPost(relayFlag, tokenFlag, "/sessions", body, &info); err != nil {
				return err
			}
			fmt.Println(info.ID)
			return nil
		},
	}
	relayFlags(cmd, &relayFlag, &tokenFlag)
	cmd.Flags().StringVar(&titleFlag, "title", "", "session title")
	cmd.Flags().StringVar(&workDirFlag, "workdir", "", "agent working directory")
	return cmd
}

func sessionsStartCmd() *cobra.Command {
	var relayFlag, tokenFlag string
	cmd := &cobra.Command{
		Use:   "start <session-id>",
		Short: "Start a session's agent process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayPost(relayFlag, tokenFlag, "/sessions/"+args[0]+"/start", nil, nil)
		},
	}
	relayFlags(cmd, &relayFlag, &tokenFlag)
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	var relayFlag, tokenFlag string
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return relayDo(relayFlag, tokenFlag, http.MethodDelete, "/sessions/"+args[0], nil, nil)
		},
	}
	relayFlags(cmd, &relayFlag, &tokenFlag)
	return cmd
}

func relayGet(base, token, path string, out any) error {
	return relayDo(base, token, http.MethodGet, path, nil, out)
}

func relayPost(base, token, path string, body []byte, out any) error {
	return relayDo(base, token, http.MethodPost, path, body, out)
}

func relayDo(base, token, method, path string, body []byte, out any) error {
	url := strings.TrimRight(base, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
