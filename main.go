package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/streampipe/wgsock/wgsock"
	"github.com/streampipe/wgsock/wgsock/api"
	"github.com/streampipe/wgsock/wgsock/wgengine"
	"github.com/streampipe/wgsock/wgsock/wghttp"
)

const version = "local-build"

func main() {
	Main()
}

// Main exports main for testing
func Main() {
	usage := fmt.Sprintf(`wgsock %s

Usage:
  wgsock keygen [options]
  wgsock pubkey <privatekey> [options]
  wgsock tunnel --key=<privatekey> --peer=<publickey> --endpoint=<endpoint> [--preshared=<key>] [--address=<addr>] [--mtu=<mtu>] [--keepalive=<secs>] [--port=<port>] [options]
  wgsock get <host> <targetport> <path> --key=<privatekey> --peer=<publickey> --endpoint=<endpoint> [--preshared=<key>] [--address=<addr>] [--server=<addr>] [options]
  wgsock -h | --help
  wgsock --version | version [options]

Options:
  -v --verbose        Enable Debug Logging.
  -h --help           Show this screen.
  --key=<privatekey>  Base64 private key of this peer.
  --peer=<publickey>  Base64 public key of the remote peer.
  --endpoint=<endpoint>  Remote tunnel endpoint as host:port.
  --preshared=<key>   Optional base64 preshared key.
  --address=<addr>    Tunnel-local address [default: 10.0.0.2].
  --mtu=<mtu>         Tunnel MTU.
  --keepalive=<secs>  Keepalive interval in seconds.
  --port=<port>       Port for the local status API.
  --server=<addr>     Server address inside the tunnel for http routing [default: 0.0.0.0].

The commands work as following:
  keygen generates a fresh key pair and prints it base64 encoded.
  pubkey derives the public key for a base64 private key.
  tunnel starts the tunnel and a local status API, and runs until SIGTERM.
  get configures http routing and performs a single GET through the tunnel.
`, version)
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}

	verboseLoggingEnabled, _ := arguments.Bool("--verbose")
	if verboseLoggingEnabled {
		log.Info("Set Debug mode")
		log.SetLevel(log.DebugLevel)
	}
	log.Debug(arguments)

	shouldPrintVersionNoDashes, _ := arguments.Bool("version")
	shouldPrintVersion, _ := arguments.Bool("--version")
	if shouldPrintVersionNoDashes || shouldPrintVersion {
		fmt.Println(version)
		return
	}

	engine := wgengine.New()

	b, _ := arguments.Bool("keygen")
	if b {
		keygen(engine)
		return
	}

	b, _ = arguments.Bool("pubkey")
	if b {
		privateKeyB64, _ := arguments.String("<privatekey>")
		pubkey(engine, privateKeyB64)
		return
	}

	config := configFromArguments(arguments)

	b, _ = arguments.Bool("tunnel")
	if b {
		port, err := arguments.Int("--port")
		if err != nil {
			port = api.DefaultStatusPort
		}
		runTunnel(engine, config, port)
		return
	}

	b, _ = arguments.Bool("get")
	if b {
		host, _ := arguments.String("<host>")
		targetPort, err := arguments.Int("<targetport>")
		if err != nil {
			log.WithError(err).Fatal("invalid target port")
		}
		path, _ := arguments.String("<path>")
		serverAddress, _ := arguments.String("--server")
		if err := runGet(engine, config, serverAddress, host, targetPort, path); err != nil {
			log.WithError(err).Fatal("get failed")
		}
		return
	}
}

func keygen(engine wgsock.Engine) {
	privateKey, publicKey, err := wgsock.GenerateKeyPair(engine)
	if err != nil {
		log.WithError(err).Fatal("failed to generate key pair")
	}
	out, _ := json.Marshal(map[string]string{
		"privateKey": wgsock.EncodeKey(privateKey),
		"publicKey":  wgsock.EncodeKey(publicKey),
	})
	fmt.Println(string(out))
}

func pubkey(engine wgsock.Engine, privateKeyB64 string) {
	privateKey, err := wgsock.DecodeKey(privateKeyB64)
	if err != nil {
		log.WithError(err).Fatal("invalid private key")
	}
	publicKey, err := wgsock.DerivePublicKey(engine, privateKey)
	if err != nil {
		log.WithError(err).Fatal("failed to derive public key")
	}
	fmt.Println(wgsock.EncodeKey(publicKey))
}

func configFromArguments(arguments docopt.Opts) *wgsock.Config {
	config := wgsock.NewConfig()
	if key, err := arguments.String("--key"); err == nil {
		if err := config.SetPrivateKeyBase64(key); err != nil {
			log.WithError(err).Fatal("invalid private key")
		}
	}
	if key, err := arguments.String("--peer"); err == nil {
		if err := config.SetPeerPublicKeyBase64(key); err != nil {
			log.WithError(err).Fatal("invalid peer public key")
		}
	}
	if key, err := arguments.String("--preshared"); err == nil && key != "" {
		if err := config.SetPresharedKeyBase64(key); err != nil {
			log.WithError(err).Fatal("invalid preshared key")
		}
	}
	if endpoint, err := arguments.String("--endpoint"); err == nil {
		config.Endpoint = endpoint
	}
	if address, err := arguments.String("--address"); err == nil && address != "" {
		config.TunnelAddress = address
	}
	if mtu, err := arguments.Int("--mtu"); err == nil && mtu != 0 {
		config.MTU = mtu
	}
	if keepalive, err := arguments.Int("--keepalive"); err == nil && keepalive != 0 {
		config.KeepaliveSecs = keepalive
	}
	return config
}

func runTunnel(engine wgsock.Engine, config *wgsock.Config, port int) {
	manager := wgsock.NewTunnelManager(engine)
	manager.SetStatusObserver(logObserver{})
	factory := wgsock.NewSocketFactory(manager)

	if err := manager.StartTunnel(config); err != nil {
		log.WithError(err).Fatal("failed to start tunnel")
	}

	go func() {
		if err := api.ServeStatus(manager, factory, port); err != nil {
			log.WithError(err).Error("status api stopped")
		}
	}()
	log.WithField("port", port).Info("status api listening")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	manager.StopTunnel()
}

// runGet returns errors instead of exiting so the deferred teardown of the
// http configuration always runs.
func runGet(engine wgsock.Engine, config *wgsock.Config, serverAddress, host string, port int, path string) error {
	manager := wgsock.NewTunnelManager(engine)
	factory := wgsock.NewSocketFactory(manager)

	generation, err := manager.ConfigureHTTP(config, serverAddress)
	if err != nil {
		return fmt.Errorf("runGet: failed to configure http routing: %w", err)
	}
	defer manager.ClearHTTPConfigIfOwner(generation)

	client := wghttp.NewClient(factory)
	result, err := client.Get(host, port, path)
	if err != nil {
		return fmt.Errorf("runGet: request failed: %w", err)
	}
	if !result.Success() {
		log.WithField("status", result.StatusCode).Warn("request returned a non-2xx status")
	}
	fmt.Println(result.Body)
	return nil
}

type logObserver struct{}

func (logObserver) OnConnecting()   { log.Info("tunnel connecting") }
func (logObserver) OnConnected()    { log.Info("tunnel connected") }
func (logObserver) OnDisconnected() { log.Info("tunnel disconnected") }
func (logObserver) OnError(reason string) {
	log.WithField("reason", reason).Error("tunnel error")
}
