// Command authcheck drives internal/engine end-to-end against a message
// read from stdin, for manual testing and demonstration: the thinnest
// possible stand-in for the MTA filter that would normally drive the
// engine.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/mail"
	"os"
	"strings"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/authd/internal/engine"
	"blitiri.com.ar/go/authd/internal/normalize"
	"blitiri.com.ar/go/authd/internal/resolver"
)

const usage = `authcheck: run SPF/DKIM/DMARC verification over a message.

Usage:
  authcheck [--ip=<ip>] [--helo=<helo>] [--mailfrom=<addr>] [--ns=<servers>] [--authserv-id=<id>]
  authcheck -h | --help

Options:
  --ip=<ip>             Client IP address [default: 192.0.2.1]
  --helo=<helo>         EHLO/HELO domain [default: ]
  --mailfrom=<addr>     Envelope MAIL FROM address (empty for a null reverse-path)
  --ns=<servers>        Comma-separated host:port DNS servers [default: 8.8.8.8:53]
  --authserv-id=<id>    authserv-id to render in Authentication-Results [default: authcheck]

The message is read from stdin, in RFC 5322 format (headers, blank line,
body). Prints the resulting Authentication-Results header value to
stdout.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "authcheck 1.0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ipStr, _ := opts.String("--ip")
	helo, _ := opts.String("--helo")
	mailFrom, _ := opts.String("--mailfrom")
	ns, _ := opts.String("--ns")
	authServID, _ := opts.String("--authserv-id")

	ip := net.ParseIP(ipStr)
	if ip == nil {
		fmt.Fprintf(os.Stderr, "authcheck: invalid --ip %q\n", ipStr)
		os.Exit(2)
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authcheck: reading stdin: %v\n", err)
		os.Exit(1)
	}
	raw = normalize.ToCRLF(raw)

	res := resolver.NewMiekgAdapter(splitCommas(ns)...)
	policy := engine.NewPolicyBuilder(authServID).Build()
	eng := engine.New(res, policy, engine.DefaultOrgDomain)

	ev := eng.NewEvaluation("authcheck")
	ev.SetConnection(ip, helo)

	ctx := context.Background()
	ev.SetMailFrom(ctx, mailFrom)

	headers, body, err := splitMessage(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authcheck: parsing message: %v\n", err)
		os.Exit(1)
	}
	for _, h := range headers {
		ev.AddHeader(h.name, h.value, h.hadSpace)
	}
	ev.Write(body)

	result, err := ev.Finish(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authcheck: evaluation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Authentication-Results: %s\n", result.Rendered)
}

type rawHeader struct {
	name     string
	value    string
	hadSpace bool
}

// splitMessage turns raw RFC 5322 message bytes into an ordered header
// list (preserving the space-after-colon flag internal/dkim's header
// canonicalisation needs) and the body, using net/mail's header/body
// split and a line-oriented re-walk of the raw header block to recover
// folding and the exact separator.
func splitMessage(raw []byte) ([]rawHeader, []byte, error) {
	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(m.Body)
	if err != nil {
		return nil, nil, err
	}

	headerLen := len(raw) - len(body)
	headerBlock := raw[:headerLen]

	var headers []rawHeader
	scanner := bufio.NewScanner(strings.NewReader(string(headerBlock)))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	var cur *rawHeader
	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur.value += "\r\n" + line
			continue
		}
		if cur != nil {
			headers = append(headers, *cur)
		}
		name, rest, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		hadSpace := strings.HasPrefix(rest, " ")
		value := strings.TrimPrefix(rest, " ")
		cur = &rawHeader{name: name, value: value, hadSpace: hadSpace}
	}
	if cur != nil {
		headers = append(headers, *cur)
	}
	return headers, body, scanner.Err()
}

func splitCommas(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"8.8.8.8:53"}
	}
	return out
}
