package main

import "flag"

type cliArgs struct {
	bindAddr string
	joinAddr string
	aad      string
	key      string
	verbose  bool
}

func parseCliArgs() cliArgs {
	args := cliArgs{}

	flag.StringVar(&args.bindAddr, "bind-addr", "127.0.0.1:7946", "address to bind the swim udp socket")
	flag.StringVar(&args.joinAddr, "join-addr", "", "address of an existing member to seed membership from")
	flag.StringVar(&args.aad, "aad", "", "cluster-wide associated authenticated data, shared out-of-band")
	flag.StringVar(&args.key, "key", "", "hex-encoded 32-byte encryption key, shared out-of-band")
	flag.BoolVar(&args.verbose, "verbose", false, "verbose mode")

	flag.Parse()

	return args
}
