// Command containctl is the admin CLI for a running containd. It speaks the
// daemon's HTTP API; mutating commands send the X-Admin-Token header from
// ADMIN_API_TOKEN.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"contain/pkg/httpx"
	"contain/pkg/telemetry"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

type ctl struct {
	baseURL string
	token   string
	client  *http.Client
	out     io.Writer
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}

	c := &ctl{
		baseURL: strings.TrimRight(env("CONTAIND_URL", "http://127.0.0.1:8089"), "/"),
		token:   os.Getenv("ADMIN_API_TOKEN"),
		client:  telemetry.InstrumentClient(&http.Client{Timeout: 30 * time.Second}),
		out:     out,
	}

	switch args[0] {
	case "authorize":
		return c.authorize(args[1:])
	case "route":
		return c.route(args[1:])
	case "state":
		return c.state(args[1:])
	case "rules":
		return c.rules(args[1:])
	case "rule-add":
		return c.ruleAdd(args[1:])
	case "rule-remove":
		return c.ruleRemove(args[1:])
	case "containers":
		return c.containers(args[1:])
	case "container-add":
		return c.containerAdd(args[1:])
	case "container-remove":
		return c.containerRemove(args[1:])
	case "exclusion-add":
		return c.pairAdd(args[1:], "exclusions")
	case "exclusion-remove":
		return c.pairRemove(args[1:], "exclusions")
	case "blend-add":
		return c.pairAdd(args[1:], "blends")
	case "blend-remove":
		return c.pairRemove(args[1:], "blends")
	case "settings":
		return c.settings(args[1:])
	case "pending":
		return c.pending(args[1:])
	case "resolve":
		return c.resolve(args[1:])
	case "clear":
		return c.clear(args[1:])
	case "audit":
		return c.audit(args[1:])
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "containctl commands:")
	fmt.Fprintln(out, "  authorize --tab <id> --domain <d> [--tab-domain <d>] [--container <id>] [--wait]")
	fmt.Fprintln(out, "  route --url <url> [--container <id>]")
	fmt.Fprintln(out, "  state")
	fmt.Fprintln(out, "  rules")
	fmt.Fprintln(out, "  rule-add --domain <d> --container <id> [--subdomains off|on|ask]")
	fmt.Fprintln(out, "  rule-remove --domain <d>")
	fmt.Fprintln(out, "  containers")
	fmt.Fprintln(out, "  container-add --name <name> [--id <id>] [--subdomains off|on|ask] [--ephemeral]")
	fmt.Fprintln(out, "  container-remove --id <id>")
	fmt.Fprintln(out, "  exclusion-add|exclusion-remove --container <id> --domain <d>")
	fmt.Fprintln(out, "  blend-add|blend-remove --container <id> --domain <d>")
	fmt.Fprintln(out, "  settings [--global-subdomains off|on|ask] [--strip-www true|false]")
	fmt.Fprintln(out, "  pending --tab <id>")
	fmt.Fprintln(out, "  resolve --tab <id> --domain <d> --allow true|false")
	fmt.Fprintln(out, "  clear --tab <id>")
	fmt.Fprintln(out, "  audit [--tab <id>] [--container <id>] [--limit <n>]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// call performs one API request and pretty-prints the JSON response. Any
// status outside 2xx is an error carrying the response body.
func (c *ctl) call(method, path string, body any, admin bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	headers := map[string]string{}
	if admin && c.token != "" {
		headers["X-Admin-Token"] = c.token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, respBody, err := httpx.RequestJSON(ctx, c.client, method, c.baseURL+path, payload, headers, 2, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, status, strings.TrimSpace(string(respBody)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		fmt.Fprintln(c.out, string(respBody))
		return nil
	}
	fmt.Fprintln(c.out, pretty.String())
	return nil
}

func (c *ctl) authorize(args []string) error {
	fs := newFlagSet("authorize")
	tab := fs.String("tab", "", "tab id")
	domain := fs.String("domain", "", "requested domain")
	tabDomain := fs.String("tab-domain", "", "domain currently loaded in the tab")
	container := fs.String("container", "", "tab container id")
	wait := fs.Bool("wait", false, "block until a deferred decision settles")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tab == "" || *domain == "" {
		return errors.New("tab and domain required")
	}
	return c.call(http.MethodPost, "/v1/authorize", map[string]any{
		"tab_id":           *tab,
		"request_domain":   *domain,
		"tab_domain":       *tabDomain,
		"tab_container_id": *container,
		"wait":             *wait,
	}, false)
}

func (c *ctl) route(args []string) error {
	fs := newFlagSet("route")
	target := fs.String("url", "", "navigation target")
	container := fs.String("container", "", "current container id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return errors.New("url required")
	}
	return c.call(http.MethodPost, "/v1/route", map[string]any{
		"url":          *target,
		"container_id": *container,
	}, false)
}

func (c *ctl) state(args []string) error {
	if err := newFlagSet("state").Parse(args); err != nil {
		return err
	}
	return c.call(http.MethodGet, "/v1/state", nil, false)
}

func (c *ctl) rules(args []string) error {
	if err := newFlagSet("rules").Parse(args); err != nil {
		return err
	}
	return c.call(http.MethodGet, "/v1/rules", nil, false)
}

func (c *ctl) ruleAdd(args []string) error {
	fs := newFlagSet("rule-add")
	domain := fs.String("domain", "", "rule domain")
	container := fs.String("container", "", "container id")
	subdomains := fs.String("subdomains", "", "subdomain policy: off, on or ask")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *domain == "" || *container == "" {
		return errors.New("domain and container required")
	}
	return c.call(http.MethodPost, "/v1/rules", map[string]any{
		"domain":       *domain,
		"container_id": *container,
		"subdomains":   *subdomains,
	}, true)
}

func (c *ctl) ruleRemove(args []string) error {
	fs := newFlagSet("rule-remove")
	domain := fs.String("domain", "", "rule domain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *domain == "" {
		return errors.New("domain required")
	}
	return c.call(http.MethodDelete, "/v1/rules/"+url.PathEscape(*domain), nil, true)
}

func (c *ctl) containers(args []string) error {
	if err := newFlagSet("containers").Parse(args); err != nil {
		return err
	}
	return c.call(http.MethodGet, "/v1/containers", nil, false)
}

func (c *ctl) containerAdd(args []string) error {
	fs := newFlagSet("container-add")
	id := fs.String("id", "", "container id (generated when empty)")
	name := fs.String("name", "", "display name")
	subdomains := fs.String("subdomains", "", "subdomain policy: off, on or ask")
	ephemeral := fs.Bool("ephemeral", false, "discard container state when its last tab closes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("name required")
	}
	return c.call(http.MethodPost, "/v1/containers", map[string]any{
		"id":         *id,
		"name":       *name,
		"subdomains": *subdomains,
		"ephemeral":  *ephemeral,
	}, true)
}

func (c *ctl) containerRemove(args []string) error {
	fs := newFlagSet("container-remove")
	id := fs.String("id", "", "container id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	return c.call(http.MethodDelete, "/v1/containers/"+url.PathEscape(*id), nil, true)
}

func (c *ctl) pairAdd(args []string, kind string) error {
	fs := newFlagSet(kind + "-add")
	container := fs.String("container", "", "container id")
	domain := fs.String("domain", "", "domain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *container == "" || *domain == "" {
		return errors.New("container and domain required")
	}
	return c.call(http.MethodPost, "/v1/containers/"+url.PathEscape(*container)+"/"+kind,
		map[string]any{"domain": *domain}, true)
}

func (c *ctl) pairRemove(args []string, kind string) error {
	fs := newFlagSet(kind + "-remove")
	container := fs.String("container", "", "container id")
	domain := fs.String("domain", "", "domain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *container == "" || *domain == "" {
		return errors.New("container and domain required")
	}
	return c.call(http.MethodDelete,
		"/v1/containers/"+url.PathEscape(*container)+"/"+kind+"/"+url.PathEscape(*domain), nil, true)
}

func (c *ctl) settings(args []string) error {
	fs := newFlagSet("settings")
	global := fs.String("global-subdomains", "", "global subdomain policy: off, on or ask")
	stripWWW := fs.String("strip-www", "", "treat www.example.com as example.com: true or false")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := map[string]any{}
	if *global != "" {
		body["global_subdomains"] = *global
	}
	if *stripWWW != "" {
		body["strip_www"] = *stripWWW == "true"
	}
	if len(body) == 0 {
		return errors.New("global-subdomains or strip-www required")
	}
	return c.call(http.MethodPut, "/v1/settings", body, true)
}

func (c *ctl) pending(args []string) error {
	fs := newFlagSet("pending")
	tab := fs.String("tab", "", "tab id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tab == "" {
		return errors.New("tab required")
	}
	return c.call(http.MethodGet, "/v1/tabs/"+url.PathEscape(*tab)+"/pending", nil, false)
}

func (c *ctl) resolve(args []string) error {
	fs := newFlagSet("resolve")
	tab := fs.String("tab", "", "tab id")
	domain := fs.String("domain", "", "pending decision domain")
	allow := fs.Bool("allow", false, "allow the request")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tab == "" || *domain == "" {
		return errors.New("tab and domain required")
	}
	return c.call(http.MethodPost, "/v1/tabs/"+url.PathEscape(*tab)+"/resolve", map[string]any{
		"domain": *domain,
		"allow":  *allow,
	}, false)
}

func (c *ctl) clear(args []string) error {
	fs := newFlagSet("clear")
	tab := fs.String("tab", "", "tab id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tab == "" {
		return errors.New("tab required")
	}
	return c.call(http.MethodPost, "/v1/tabs/"+url.PathEscape(*tab)+"/clear", nil, false)
}

func (c *ctl) audit(args []string) error {
	fs := newFlagSet("audit")
	tab := fs.String("tab", "", "tab id")
	container := fs.String("container", "", "container id")
	limit := fs.Int("limit", 0, "max records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := ""
	if *limit > 0 {
		query = fmt.Sprintf("?limit=%d", *limit)
	}
	switch {
	case *tab != "" && *container != "":
		return errors.New("tab and container are mutually exclusive")
	case *tab != "":
		return c.call(http.MethodGet, "/v1/tabs/"+url.PathEscape(*tab)+"/audit"+query, nil, false)
	case *container != "":
		return c.call(http.MethodGet, "/v1/containers/"+url.PathEscape(*container)+"/audit"+query, nil, false)
	default:
		return errors.New("tab or container required")
	}
}
