package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ahmadzakiakmal/milkchain/app"
	"github.com/ahmadzakiakmal/milkchain/config"
	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/metrics"
	"github.com/ahmadzakiakmal/milkchain/repository"
	"github.com/ahmadzakiakmal/milkchain/server"
	service_registry "github.com/ahmadzakiakmal/milkchain/srvreg"
	cfg "github.com/cometbft/cometbft/config"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
)

var (
	homeDir       string
	httpPort      string
	postgresDSN   string
	genesisAdmins string
)

func init() {
	flag.StringVar(&homeDir, "cmt-home", "./node-config/milkchain-node", "Path to the CometBFT config directory")
	flag.StringVar(&httpPort, "http-port", "5000", "HTTP web server port")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Reporting database DSN, empty disables the projection")
	flag.StringVar(&genesisAdmins, "genesis-admins", "", "Comma separated admin addresses used when genesis names none")
}

// flagOverrides returns the settings of flags given on the command line.
func flagOverrides() map[string]any {
	overrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-port":
			overrides[config.KeyHTTPPort] = httpPort
		case "postgres-dsn":
			overrides[config.KeyPostgresDSN] = postgresDSN
		case "genesis-admins":
			overrides[config.KeyGenesisAdmins] = genesisAdmins
		}
	})
	return overrides
}

func main() {
	// Load Config
	flag.Parse()

	if homeDir == "" {
		homeDir = os.ExpandEnv("$HOME/.cometbft")
	}
	nodeConfig, err := config.LoadNode(homeDir)
	if err != nil {
		log.Fatalf("Loading node config: %v", err)
	}
	appSettings, err := config.Load(homeDir, flagOverrides())
	if err != nil {
		log.Fatalf("Loading application config: %v", err)
	}

	admins := make([]ledger.Address, 0, len(appSettings.GenesisAdmins))
	for _, s := range appSettings.GenesisAdmins {
		if s == "" {
			continue
		}
		a, err := ledger.ParseAddress(s)
		if err != nil {
			log.Fatalf("Invalid genesis admin %q: %v", s, err)
		}
		admins = append(admins, a)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger, err = cmtflags.ParseLogLevel(nodeConfig.LogLevel, logger, cfg.DefaultLogLevel)
	if err != nil {
		log.Fatalf("failed to parse log level: %v", err)
	}

	nodeMetrics := metrics.New()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect Postgresql DB
	repo := repository.NewRepository(logger.With("module", "repository"))
	if appSettings.PostgresDSN != "" {
		if repoErr := repo.ConnectDB(ctx, appSettings.PostgresDSN); repoErr != nil {
			log.Fatalf("Connecting reporting database: %v", repoErr)
		}
		if repoErr := repo.Migrate(); repoErr != nil {
			log.Fatalf("Migrating reporting database: %v", repoErr)
		}
	} else {
		logger.Info("Reporting database disabled")
	}

	// Initialize Badger DB
	badgerPath := filepath.Join(homeDir, "badger")
	db, err := badger.Open(badger.DefaultOptions(badgerPath))
	if err != nil {
		log.Fatalf("Opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing database: %v", err)
		}
	}()

	// Initialize Service Registry
	lotLedger := ledger.New(ledger.Config{MaxLotsPerRequest: appSettings.MaxLotsPerRequest})
	serviceRegistry := service_registry.NewServiceRegistry(lotLedger, nodeMetrics, logger.With("module", "srvreg"))
	serviceRegistry.RegisterDefaultServices()

	// Create ABCI Application
	appConfig := &app.AppConfig{
		NodeID:        appSettings.NodeID,
		GenesisAdmins: admins,
		LogAllTxs:     appSettings.LogAllTxs,
	}
	application := app.NewABCIApplication(db, serviceRegistry, appConfig, logger.With("module", "app"), nodeMetrics)
	if err := application.LoadState(); err != nil {
		log.Fatalf("Loading ledger state: %v", err)
	}

	var projector *repository.Projector
	if repo.Enabled() {
		projector = repository.NewProjector(repo, appSettings.ProjectionBuffer, nodeMetrics, logger.With("module", "projector"))
		projector.SetResync(application.SnapshotBatch)
		// the reporting database may have missed blocks while the node was down
		projector.Resync()
		projector.Start(ctx)
		application.SetProjector(projector)
	}

	// Private Validator
	pv := privval.LoadFilePV(
		nodeConfig.PrivValidatorKeyFile(),
		nodeConfig.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(nodeConfig.NodeKeyFile())
	if err != nil {
		log.Fatalf("failed to load node's key: %v", err)
	}

	// Initialize CometBFT node
	node, err := nm.NewNode(
		context.Background(),
		nodeConfig,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(application),
		nm.DefaultGenesisDocProviderFunc(nodeConfig),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(nodeConfig.Instrumentation),
		logger,
	)
	if err != nil {
		log.Fatalf("Creating node: %v", err)
	}

	// Pass Node ID to app
	application.SetNodeID(string(node.NodeInfo().ID()))

	// Instantiate rpc client from node
	rpcClient := cmtrpc.New(node)
	repo.SetupRpcClient(rpcClient)

	// Start CometBFT node
	if err := node.Start(); err != nil {
		log.Fatalf("Starting node: %v", err)
	}
	defer func() {
		node.Stop()
		node.Wait()
		if projector != nil {
			// abandon writes still retrying against an unreachable database
			stop()
			projector.Close()
		}
	}()

	// Start Web Server
	webserver, err := server.NewWebServer(application, appSettings.HTTPPort, logger.With("module", "server"), node, serviceRegistry, repo, nodeMetrics, appSettings.RequestTimeout)
	if err != nil {
		log.Fatalf("Creating web server: %v", err)
	}

	err = webserver.Start()
	if err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	// Create deadline to wait for server shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Shutdown the web server
	err = webserver.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
