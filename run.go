package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"moto-net/channel"
	"moto-net/config"
	"moto-net/connection"
	"moto-net/endpoint"
	"moto-net/internal/telemetry"
	"moto-net/transport/udptransport"
)

// defaultChannels is the registry this example entrypoint boots with; a
// real application registers its own channel set before freezing.
func defaultChannels() *channel.Registry {
	reg := channel.NewRegistry()
	reg.Register("moto-net/reliable-ordered", channel.Config{Consistency: channel.ReliableOrdered, Priority: 10})
	reg.Register("moto-net/unreliable-unordered", channel.Config{Consistency: channel.UnreliableUnordered, Priority: 1})
	reg.Freeze()
	return reg
}

func connectionConfig(cfg *config.ApplicationVersion, tv *config.TransportVersion) connection.Config {
	return connection.Config{
		ReliableBitfieldLength: config.GlobalCfg.ReliableBitfieldLength,
		MTU:                    config.GlobalCfg.MTU,
		SendBudgetPerTick:      config.GlobalCfg.SendBudgetPerTick,
		RetransmitTimeout:      config.GlobalCfg.RetransmitTimeout,
		KeepAliveTimeout:       config.GlobalCfg.KeepAliveTimeout,
		ConnectionTimeout:      config.GlobalCfg.ConnectionTimeout,
		ErrorThreshold:         config.GlobalCfg.ErrorThreshold,
		Application: connection.ApplicationVersion{
			Ident:        cfg.Ident,
			Major:        cfg.Major,
			Minor:        cfg.Minor,
			BannedMinors: cfg.BannedMinors,
		},
		TransportVersion: connection.Version{Ident: tv.Ident, Major: tv.Major, Minor: tv.Minor},
	}
}

// runEndpoint binds one configured endpoint and services it until the
// endpoint reaches Closed: polling for inbound datagrams, dispatching new
// handshakes, and ticking every bound connection.
func runEndpoint(ecfg config.Endpoint, reg *channel.Registry, log *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	sock, err := udptransport.Listen(ecfg.Listen)
	if err != nil {
		log.Error("failed to listen", zap.String("endpoint", ecfg.Name), zap.String("addr", ecfg.Listen), zap.Error(err))
		return
	}
	log.Info("endpoint listening", zap.String("endpoint", ecfg.Name), zap.String("addr", ecfg.Listen))

	ep := endpoint.New(sock, ecfg.Listening, config.GlobalCfg.AttemptTimeout, log)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	buf := make([]byte, config.GlobalCfg.MTU)
	for ep.State() != endpoint.Closed {
		select {
		case <-ticker.C:
			tickConnections(ep, log)
		default:
		}

		peer, err := ep.PollInbound(buf, time.Now())
		if err != nil {
			continue
		}
		if peer == nil {
			continue
		}

		handleHandshakeAttempt(ep, peer, reg, log)
	}
}

func handleHandshakeAttempt(ep *endpoint.Endpoint, peer *endpoint.PotentialNewPeer, reg *channel.Registry, log *zap.Logger) {
	sender := &addrSender{ep: ep, addr: peer.Addr}
	cfg := connectionConfig(&config.GlobalCfg.Application, &config.GlobalCfg.Transport)
	conn := connection.New(cfg, reg, sender, log)

	if err := conn.HandleInitiatorHello(peer.Payload, time.Now()); err != nil {
		log.Warn("malformed handshake attempt", zap.String("addr", peer.Addr.String()), zap.Error(err))
		return
	}
	if conn.State() != connection.Established {
		return
	}
	if err := ep.AddConnection(peer.Addr, conn); err != nil {
		log.Warn("could not bind new connection", zap.String("addr", peer.Addr.String()), zap.Error(err))
	}
}

func tickConnections(ep *endpoint.Endpoint, log *zap.Logger) {
	// A production driver would keep its own addr->*Connection index to
	// avoid re-deriving it each tick; this example keeps the endpoint as
	// the single source of truth and accepts the lookup cost.
	now := time.Now()
	for _, addr := range ep.Addrs() {
		conn, ok := ep.Lookup(addr)
		if !ok {
			continue
		}
		conn.Tick(now)
		if conn.Closed() {
			if err := ep.RemoveConnection(addr); err != nil {
				log.Warn("failed to remove closed connection", zap.String("addr", addr.String()), zap.Error(err))
			}
		}
	}
}

// addrSender adapts one peer address on an endpoint's shared socket into
// the connection.Sender a Connection needs.
type addrSender struct {
	ep   *endpoint.Endpoint
	addr net.Addr
}

func (s *addrSender) Send(payload []byte) error {
	return s.ep.SendTo(s.addr, payload)
}

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	defer telemetry.Logger.Sync()
	telemetry.Logger.Info("moto-net starting")

	reg := defaultChannels()

	wg := &sync.WaitGroup{}
	for _, e := range config.GlobalCfg.Endpoints {
		wg.Add(1)
		go runEndpoint(e, reg, telemetry.Logger, wg)
	}
	wg.Wait()
	telemetry.Logger.Info("moto-net shutting down")
}
