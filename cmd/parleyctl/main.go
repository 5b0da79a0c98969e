// Command parleyctl is a small operator CLI for the admin API.
//
// Usage:
//
//	parleyctl [flags] sessions
//	parleyctl [flags] identities
//	parleyctl [flags] rooms
//	parleyctl [flags] logs [-q text] [-room code] [-credential c] [-origin ip] [-page n]
//	parleyctl [flags] origins -origin <ip>
//	parleyctl [flags] ban -credential <credential>
//	parleyctl [flags] unban -credential <credential>
//	parleyctl [flags] kick -conn <connection id>
//	parleyctl [flags] move -conn <connection id> [-room <code>]
//
// Flags:
//
//	-addr: base URL of the service (default http://localhost:8080, or PARLEY_ADDR)
//	-token: operator token sent as X-Admin-Token (or ADMIN_TOKEN)
//
// Example:
//
//	export ADMIN_TOKEN=s3cret
//	parleyctl sessions
//	parleyctl ban -credential 7d0f...
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

type ctl struct {
	addr   string
	token  string
	client *http.Client
}

func (c *ctl) do(method, path string, query url.Values, body any) error {
	u := c.addr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(out))
	}
	// Re-indent for the terminal.
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err != nil {
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: parleyctl [-addr URL] [-token TOKEN] <sessions|identities|rooms|logs|origins|ban|unban|kick|move> [args]")
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", envOr("PARLEY_ADDR", "http://localhost:8080"), "base URL of the service")
	token := flag.String("token", os.Getenv("ADMIN_TOKEN"), "operator token (X-Admin-Token)")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	c := &ctl{addr: *addr, token: *token, client: &http.Client{Timeout: 10 * time.Second}}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]
	var err error
	switch cmd {
	case "sessions":
		err = c.do(http.MethodGet, "/admin/sessions", nil, nil)
	case "identities":
		err = c.do(http.MethodGet, "/admin/identities", nil, nil)
	case "rooms":
		err = c.do(http.MethodGet, "/admin/rooms", nil, nil)
	case "logs":
		fs := flag.NewFlagSet("logs", flag.ExitOnError)
		q := fs.String("q", "", "substring filter on message body")
		room := fs.String("room", "", "room code filter")
		credential := fs.String("credential", "", "sender credential filter")
		origin := fs.String("origin", "", "sender origin filter")
		page := fs.Int("page", 1, "page number")
		perPage := fs.Int("per-page", 30, "page size")
		_ = fs.Parse(args)
		query := url.Values{}
		for k, v := range map[string]string{"q": *q, "room": *room, "credential": *credential, "origin": *origin} {
			if v != "" {
				query.Set(k, v)
			}
		}
		query.Set("page", fmt.Sprint(*page))
		query.Set("per_page", fmt.Sprint(*perPage))
		err = c.do(http.MethodGet, "/admin/logs", query, nil)
	case "origins":
		fs := flag.NewFlagSet("origins", flag.ExitOnError)
		origin := fs.String("origin", "", "network origin to look up")
		_ = fs.Parse(args)
		if *origin == "" {
			fmt.Fprintln(os.Stderr, "parleyctl origins: -origin is required")
			os.Exit(2)
		}
		query := url.Values{}
		query.Set("origin", *origin)
		err = c.do(http.MethodGet, "/admin/origins", query, nil)
	case "ban", "unban":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		credential := fs.String("credential", "", "credential to "+cmd)
		_ = fs.Parse(args)
		if *credential == "" {
			fmt.Fprintf(os.Stderr, "parleyctl %s: -credential is required\n", cmd)
			os.Exit(2)
		}
		err = c.do(http.MethodPost, "/admin/"+cmd, nil, map[string]string{"credential": *credential})
	case "kick":
		fs := flag.NewFlagSet("kick", flag.ExitOnError)
		conn := fs.String("conn", "", "connection id to kick")
		_ = fs.Parse(args)
		if *conn == "" {
			fmt.Fprintln(os.Stderr, "parleyctl kick: -conn is required")
			os.Exit(2)
		}
		err = c.do(http.MethodPost, "/admin/kick", nil, map[string]string{"connection_id": *conn})
	case "move":
		fs := flag.NewFlagSet("move", flag.ExitOnError)
		conn := fs.String("conn", "", "connection id to move")
		room := fs.String("room", "", "target room code (empty moves to the default room)")
		_ = fs.Parse(args)
		if *conn == "" {
			fmt.Fprintln(os.Stderr, "parleyctl move: -conn is required")
			os.Exit(2)
		}
		err = c.do(http.MethodPost, "/admin/move", nil, map[string]string{"connection_id": *conn, "room": *room})
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "parleyctl:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
