package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Print the registry dump of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return dumpSessions(ctx, os.Stdout, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "server base URL")
	return cmd
}

func dumpSessions(ctx context.Context, w io.Writer, addr string) error {
	url := strings.TrimSuffix(addr, "/") + "/admin/api/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(w)
	return err
}
