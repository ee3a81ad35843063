// Command line tool for playing with the SPF library.
//
// Not for use in production, just development and experimentation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"blitiri.com.ar/go/authd/internal/resolver"
	"blitiri.com.ar/go/authd/internal/spf"
)

var (
	sender      = flag.String("sender", "", "MAIL FROM address to use as the <sender> argument")
	senderID    = flag.Bool("senderid", false, "evaluate spf2.0/mfrom instead of v=spf1")
	nameservers = flag.String("ns", "", "comma-separated host:port resolvers to query (default: 8.8.8.8:53)")
)

func main() {
	flag.Parse()
	if flag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: spf-check [flags] <ip> <domain>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ip := net.ParseIP(flag.Arg(0))
	if ip == nil {
		fmt.Fprintf(os.Stderr, "invalid IP address %q\n", flag.Arg(0))
		os.Exit(2)
	}
	domain := flag.Arg(1)

	senderAddr := *sender
	if senderAddr == "" {
		senderAddr = "postmaster@" + domain
	}

	servers := []string{"8.8.8.8:53"}
	if *nameservers != "" {
		servers = splitCommas(*nameservers)
	}
	res := resolver.NewMiekgAdapter(servers...)

	checker := spf.NewChecker(res)
	ctx := context.Background()

	var outcome spf.Outcome
	if *senderID {
		outcome = checker.CheckSenderID(ctx, ip, domain, senderAddr, "", spf.ScopeSPF2MFrom)
	} else {
		outcome = checker.CheckHost(ctx, ip, domain, senderAddr)
	}

	fmt.Println(outcome.Result)
	if outcome.Mechanism != "" {
		fmt.Println(outcome.Mechanism)
	}
	if outcome.Explanation != "" {
		fmt.Println(outcome.Explanation)
	}
}

func splitCommas(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
