// Command poet-engine is the long-running PoET consensus daemon: it loads
// the validator's signing key and configuration, connects to the TEE over
// the enclave RPC transport, and drives wait-certificate consensus on
// behalf of the external block-scheduling driver (out of scope here; this
// binary wires the collaborators and exposes the engine over an
// in-process API plus a Prometheus /metrics endpoint).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/poet-validator/internal/enclavemode"
	"github.com/r3e-network/poet-validator/internal/enclaverpc"
	"github.com/r3e-network/poet-validator/internal/enclavesim"
	"github.com/r3e-network/poet-validator/internal/engine"
	"github.com/r3e-network/poet-validator/internal/engine/events"
	"github.com/r3e-network/poet-validator/internal/engine/metrics"
	"github.com/r3e-network/poet-validator/internal/poetconfig"
	"github.com/r3e-network/poet-validator/internal/poetkey"
	"github.com/r3e-network/poet-validator/internal/transport"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[poet-engine] ")

	configPath := flag.String("config", "", "path to the engine's TOML configuration file")
	connect := flag.String("connect", "", "enclave RPC address (tcp://host:port); required for --enclave-module sgx, ignored for simulator")
	enclaveModuleFlag := flag.String("enclave-module", string(enclavemode.ModuleSimulator), "TEE realization: simulator or sgx")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	verbosity := flag.Int("v", 0, "verbosity level")
	flag.Parse()

	if *configPath == "" {
		log.Println("--config is required")
		os.Exit(2)
	}

	module, err := enclavemode.Parse(*enclaveModuleFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := poetconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *verbosity > 0 {
		log.Printf("loaded config from %s (rest_api=%s ias_url=%s)", *configPath, cfg.RESTAPI, cfg.IASURL)
	}

	key, err := poetkey.LoadPrivateKey(cfg.PoetClientPrivateKeyFile)
	if err != nil {
		log.Fatalf("load signing key: %v", err)
	}
	validatorID := key.PublicKeyHex()
	if cfg.ValidatorPubKey != "" && cfg.ValidatorPubKey != validatorID {
		log.Fatalf("validator_pub_key in config (%s) does not match loaded key (%s)", cfg.ValidatorPubKey, validatorID)
	}

	detected := enclavemode.Detect()
	if warning := enclavemode.WarnIfMismatched(module, detected); warning != "" {
		log.Printf("warning: %s", warning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consensus, poetPublicKey, closeConsensus, err := consensusService(ctx, module, *connect)
	if err != nil {
		log.Fatalf("connect to enclave: %v", err)
	}
	defer closeConsensus()

	eventLog := events.NewRingBuffer(4096)
	unsubscribe := eventLog.Subscribe(func(ev events.Event) {
		if ev.Severity == events.SeverityError || *verbosity > 0 {
			log.Printf("%s", ev.String())
		}
	})
	defer unsubscribe()

	collector := metrics.NewCollector("poet")

	eng := engine.New(engine.Config{
		Consensus:     consensus,
		ValidatorID:   validatorID,
		PoetPublicKey: poetPublicKey,
		Logger:        eventLog,
		Metrics:       collector,
	})

	events.NewEvent(events.EventEngineStarting).
		Component("engine").ValidatorID(validatorID).
		LogTo(eventLog)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:         *metricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("metrics listening on %s", *metricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	events.NewEvent(events.EventEngineStarted).
		Component("engine").ValidatorID(validatorID).
		LogTo(eventLog)
	log.Printf("poet-engine started: validator=%s enclave-module=%s", validatorID, module)

	// The external block-scheduling driver (out of scope for this binary)
	// is expected to call eng.HandleBlockNew/HandleBlockValid/
	// HandleBlockInvalid/HandleBlockCommit/VerifyCandidate/HandlePeerMessage
	// as it observes fork-choice and peer events; this daemon's own
	// responsibility ends at wiring those collaborators and staying up
	// until told to stop.
	_ = eng

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	events.NewEvent(events.EventEngineStopping).
		Component("engine").ValidatorID(validatorID).
		LogTo(eventLog)
	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}

	events.NewEvent(events.EventEngineStopped).
		Component("engine").ValidatorID(validatorID).
		LogTo(eventLog)
	log.Println("stopped")
}

// consensusService resolves the ConsensusService realization for the
// requested --enclave-module, initializing it and returning the PoET
// public key it will sign wait certificates with.
func consensusService(ctx context.Context, module enclavemode.Module, connect string) (enclaverpc.ConsensusService, string, func(), error) {
	switch module {
	case enclavemode.ModuleSimulator:
		sim := enclavesim.New(enclavesim.Config{})
		if err := sim.InitEnclave(ctx, enclaverpc.DefaultTimeout); err != nil {
			return nil, "", nil, err
		}
		signupInfo, err := sim.CreateSignupInfo(ctx, enclaverpc.DefaultTimeout)
		if err != nil {
			return nil, "", nil, err
		}
		poetPublicKey, err := extractPoetPublicKey(signupInfo)
		if err != nil {
			return nil, "", nil, err
		}
		return sim, poetPublicKey, func() {}, nil
	case enclavemode.ModuleSGX:
		if connect == "" {
			return nil, "", nil, fmt.Errorf("--connect is required for --enclave-module sgx")
		}
		addr := strings.TrimPrefix(connect, "tcp://")
		conn, err := transport.Dial(ctx, addr, transport.Config{})
		if err != nil {
			return nil, "", nil, err
		}
		client := enclaverpc.NewClient(conn)
		adapter := enclaverpc.NewClientAdapter(client)
		if err := adapter.InitEnclave(ctx, enclaverpc.DefaultTimeout); err != nil {
			client.Close()
			return nil, "", nil, err
		}
		signupInfo, err := adapter.CreateSignupInfo(ctx, enclaverpc.DefaultTimeout)
		if err != nil {
			client.Close()
			return nil, "", nil, err
		}
		poetPublicKey, err := extractPoetPublicKey(signupInfo)
		if err != nil {
			client.Close()
			return nil, "", nil, err
		}
		return adapter, poetPublicKey, func() { client.Close() }, nil
	default:
		return nil, "", nil, fmt.Errorf("unsupported enclave module %q", module)
	}
}

// extractPoetPublicKey pulls the "poet_public_key" field out of the opaque
// signup-info blob CreateSignupInfo returns. Every EnclaveService
// realization's signup info carries this field, even though the blob is
// otherwise opaque to everything above the TEE.
func extractPoetPublicKey(signupInfo string) (string, error) {
	var fields struct {
		PoetPublicKey string `json:"poet_public_key"`
	}
	if err := json.Unmarshal([]byte(signupInfo), &fields); err != nil {
		return "", fmt.Errorf("parse signup info for poet public key: %w", err)
	}
	if fields.PoetPublicKey == "" {
		return "", fmt.Errorf("signup info missing poet_public_key field")
	}
	return fields.PoetPublicKey, nil
}
