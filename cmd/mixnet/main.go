// Copyright 2016 David Lazar. All rights reserved.
// Use of this source code is governed by the GNU AGPL
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/jonco5555/mixnet/config"
	"github.com/jonco5555/mixnet/mixnet"
	"github.com/jonco5555/mixnet/sealbox"
	"github.com/jonco5555/mixnet/vrpc"
)

func main() {
	app := &cli.App{
		Name:  "mixnet",
		Usage: "synchronous-round mix network",
		Commands: []*cli.Command{
			serverCmd,
			clientCmd,
			prepareMessageCmd,
			pollMessagesCmd,
			generateConfigCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serverCmd = &cli.Command{
	Name:  "server",
	Usage: "run a mix server",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Required: true, Usage: "server id from the config"},
		&cli.StringFlag{Name: "config", Required: true, Usage: "path to config file"},
		&cli.StringFlag{Name: "output-dir", Usage: "directory for delivered-message files"},
	},
	Action: runServer,
}

func runServer(ctx *cli.Context) error {
	conf, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	id := ctx.String("id")
	info, err := conf.Server(id)
	if err != nil {
		return cli.Exit(err, 1)
	}
	nextAddr, err := conf.NextAddr(id)
	if err != nil {
		return cli.Exit(err, 1)
	}

	server := &mixnet.Server{
		ID:               info.ID,
		Addr:             info.Address,
		MessagesPerRound: conf.MessagesPerRound,
		RoundDuration:    conf.Round(),
		ClientAddrs:      conf.ClientAddrs(),
		NextAddr:         nextAddr,
		FirstServer:      info.ID == conf.FirstServer().ID,
		KeyDir:           conf.KeyDir,
		OutputDir:        ctx.String("output-dir"),
	}
	if err := server.Start(); err != nil {
		return cli.Exit(err, 1)
	}

	waitForSignal()
	return server.Stop()
}

var clientCmd = &cli.Command{
	Name:  "client",
	Usage: "run a client",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "id", Required: true, Usage: "client id from the config"},
		&cli.StringFlag{Name: "config", Required: true, Usage: "path to config file"},
	},
	Action: runClient,
}

func runClient(ctx *cli.Context) error {
	conf, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	info, err := conf.Client(ctx.String("id"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	client := &mixnet.Client{
		ID:           info.ID,
		Addr:         info.Address,
		KeyDir:       conf.KeyDir,
		MixServers:   conf.MixServers,
		DummyPayload: conf.DummyPayload,
	}
	if err := client.Start(); err != nil {
		return cli.Exit(err, 1)
	}
	if err := client.Register(); err != nil {
		return cli.Exit(err, 1)
	}

	roundDuration, err := client.WaitForStart()
	if err != nil {
		return cli.Exit(err, 1)
	}
	client.Run(roundDuration)

	waitForSignal()
	return client.Stop()
}

var prepareMessageCmd = &cli.Command{
	Name:  "prepare-message",
	Usage: "queue a message on a running client",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "sender-id", Required: true},
		&cli.StringFlag{Name: "recipient-id", Required: true},
		&cli.StringFlag{Name: "message", Required: true},
		&cli.StringFlag{Name: "config", Required: true, Usage: "path to config file"},
	},
	Action: prepareMessage,
}

func prepareMessage(ctx *cli.Context) error {
	conf, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	sender, err := conf.Client(ctx.String("sender-id"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	recipient, err := conf.Client(ctx.String("recipient-id"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	recipientKey, err := sealbox.ReadKeyFile(conf.KeyDir, recipient.ID)
	if err != nil {
		return cli.Exit(err, 1)
	}

	rc, err := vrpc.Dial("tcp", sender.Address, 1)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer rc.Close()

	args := &mixnet.PrepareMessageArgs{
		Message:       ctx.String("message"),
		RecipientKey:  recipientKey[:],
		RecipientAddr: recipient.Address,
	}
	reply := new(mixnet.PrepareMessageReply)
	if err := rc.Call("Client.PrepareMessage", args, reply); err != nil {
		return cli.Exit(err, 1)
	}
	if !reply.OK {
		return cli.Exit("prepare-message failed", 1)
	}
	fmt.Printf("message queued on %s\n", sender.ID)
	return nil
}

var pollMessagesCmd = &cli.Command{
	Name:  "poll-messages",
	Usage: "print messages delivered to a running client",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "client-id", Required: true},
		&cli.StringFlag{Name: "config", Required: true, Usage: "path to config file"},
	},
	Action: pollMessages,
}

func pollMessages(ctx *cli.Context) error {
	conf, err := config.Load(ctx.String("config"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	info, err := conf.Client(ctx.String("client-id"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	rc, err := vrpc.Dial("tcp", info.Address, 1)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer rc.Close()

	reply := new(mixnet.ClientPollMessagesReply)
	if err := rc.Call("Client.ClientPollMessages", &mixnet.ClientPollMessagesArgs{}, reply); err != nil {
		return cli.Exit(err, 1)
	}
	for _, msg := range reply.Messages {
		fmt.Println(msg)
	}
	return nil
}

var generateConfigCmd = &cli.Command{
	Name:  "generate-config",
	Usage: "write a session config file",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "num-clients", Value: 2},
		&cli.IntFlag{Name: "num-servers", Value: 3},
		&cli.StringFlag{Name: "output", Value: "config.yaml"},
	},
	Action: generateConfig,
}

func generateConfig(ctx *cli.Context) error {
	numClients := ctx.Int("num-clients")
	numServers := ctx.Int("num-servers")
	if numClients < 2 || numServers < 1 {
		return cli.Exit("need at least 2 clients and 1 server", 1)
	}

	conf := &config.Config{
		MessagesPerRound: numClients,
		RoundDuration:    1.0,
		DummyPayload:     "dummy",
	}
	for i := 0; i < numServers; i++ {
		conf.MixServers = append(conf.MixServers, config.PeerInfo{
			ID:      fmt.Sprintf("server_%d", i+1),
			Address: fmt.Sprintf("localhost:%d", 50051+i),
		})
	}
	for i := 0; i < numClients; i++ {
		conf.Clients = append(conf.Clients, config.PeerInfo{
			ID:      fmt.Sprintf("client_%d", i+1),
			Address: fmt.Sprintf("localhost:%d", 50061+i),
		})
	}

	data, err := yaml.Marshal(conf)
	if err != nil {
		return cli.Exit(err, 1)
	}
	path := ctx.String("output")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
