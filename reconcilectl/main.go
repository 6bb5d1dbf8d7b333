package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/helixchat/reconcile"
)

const ReconcileCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Reconcile control.

Debugging tool for the helix gateway reconciliation layer.

Usage:
    reconcilectl tail --gateway_url=<gateway_url>
        [--token=<token>]
        [--shard_id=<shard_id>]
    reconcilectl whoami [--token=<token>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --gateway_url=<gateway_url>
    --token=<token>          Your platform session token. Prompted if not set.
    --shard_id=<shard_id>    Shard id to connect as. Random if not set.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReconcileCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	}
}

func requireToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}
	fmt.Fprint(os.Stderr, "Session token: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		panic(err)
	}
	return string(tokenBytes)
}

func tail(opts docopt.Opts) {
	gatewayUrl, err := opts.String("--gateway_url")
	if err != nil {
		panic(err)
	}
	token := requireToken(opts)

	shardId := reconcile.NewId()
	if shardIdStr, err := opts.String("--shard_id"); err == nil && shardIdStr != "" {
		shardId, err = reconcile.ParseId(shardIdStr)
		if err != nil {
			panic(err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := reconcile.NewClientWithDefaults(cancelCtx, nil, nil)
	defer client.Close()
	if err := client.Session().Refresh(token); err != nil {
		panic(err)
	}

	unsubDiag := client.Diagnostics().AddCallback(func(diagnostic reconcile.Diagnostic) {
		Err.Printf("diag %s tag=%s err=%v\n", diagnostic.Kind, diagnostic.Tag, diagnostic.Err)
	})
	defer unsubDiag()

	unsub := client.Bus().Subscribe(func(notification reconcile.Notification) {
		switch payload := notification.Payload.(type) {
		case *reconcile.Entity:
			Out.Printf("%s %s %s %v\n", notification.Name, payload.Kind(), payload.Id(), payload.Snapshot())
		default:
			Out.Printf("%s %v\n", notification.Name, payload)
		}
	})
	defer unsub()

	gateway, err := reconcile.ConnectGatewayWithDefaults(cancelCtx, gatewayUrl, client, shardId)
	if err != nil {
		panic(err)
	}
	defer gateway.Close()

	Err.Printf("tailing shard %s from %s\n", shardId, gatewayUrl)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func whoami(opts docopt.Opts) {
	token := requireToken(opts)

	session := reconcile.NewSession()
	if err := session.Refresh(token); err != nil {
		panic(err)
	}

	Out.Printf("user_id: %s\n", session.UserId())
	Out.Printf("expires: %s\n", session.ExpireTime())
}
