package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/couchbase/stellar-docclient/client"
	"github.com/couchbase/stellar-docclient/common/seedlist"
	"github.com/couchbase/stellar-docclient/utils/secretsmanager"
	"github.com/couchbase/stellar-docclient/utils/sliceutils"
)

type config struct {
	logLevelStr             string
	connStr                 string
	user                    string
	pass                    string
	readBalance             string
	requestTimeout          time.Duration
	topologyRefreshInterval time.Duration
	maxCacheSize            int64
	invalidateCacheOnWrite  bool
	etcdEndpoints           []string
	etcdPrefix              string
	webAddress              string
	otlpEndpoint            string
	disableOtlpTraces       bool
	disableOtlpMetrics      bool
	traceEverything         bool
	credsSource             secretsmanager.Source
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:             viper.GetString("log-level"),
		connStr:                 viper.GetString("conn-str"),
		user:                    viper.GetString("user"),
		pass:                    viper.GetString("pass"),
		readBalance:             viper.GetString("read-balance"),
		requestTimeout:          viper.GetDuration("request-timeout"),
		topologyRefreshInterval: viper.GetDuration("topology-refresh-interval"),
		maxCacheSize:            viper.GetInt64("max-cache-size"),
		invalidateCacheOnWrite:  viper.GetBool("invalidate-cache-on-write"),
		etcdEndpoints:           viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:              viper.GetString("etcd-prefix"),
		webAddress:              viper.GetString("web-address"),
		otlpEndpoint:            viper.GetString("otlp-endpoint"),
		disableOtlpTraces:       viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:      viper.GetBool("disable-otlp-metrics"),
		traceEverything:         viper.GetBool("trace-everything"),
		credsSource: secretsmanager.Source{
			AwsId:          viper.GetString("creds-aws-id"),
			AwsRegion:      viper.GetString("creds-aws-region"),
			AzureId:        viper.GetString("creds-azure-id"),
			AzureVaultName: viper.GetString("creds-azure-vault-name"),
			GcpId:          viper.GetString("creds-gcp-id"),
			GcpProjectId:   viper.GetString("creds-gcp-project-id"),
		},
	}

	logger.Debug("parsed docclient configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("connStr", config.connStr),
		zap.String("user", config.user),
		zap.String("readBalance", config.readBalance),
		zap.Duration("requestTimeout", config.requestTimeout),
		zap.Duration("topologyRefreshInterval", config.topologyRefreshInterval),
		zap.Int64("maxCacheSize", config.maxCacheSize),
		zap.Bool("invalidateCacheOnWrite", config.invalidateCacheOnWrite),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.String("webAddress", config.webAddress),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

// buildClientConfig turns the cli configuration into an executor
// configuration.  extraSeeds are appended to the seeds of the connection
// string.
func buildClientConfig(config *config, logger *zap.Logger, extraSeeds []string) (*client.Config, error) {
	connSpec, err := seedlist.ParseConnStr(config.connStr)
	if err != nil {
		return nil, err
	}

	clientConfig := client.DefaultConfig()
	clientConfig.Logger = logger
	connSpec.Apply(&clientConfig)

	clientConfig.SeedUrls = sliceutils.RemoveDuplicates(append(clientConfig.SeedUrls, extraSeeds...))

	if config.readBalance != "" {
		clientConfig.ReadBalance, err = client.ParseReadBalanceBehavior(config.readBalance)
		if err != nil {
			return nil, err
		}
	}
	if config.requestTimeout > 0 {
		clientConfig.RequestTimeout = config.requestTimeout
	}
	if config.topologyRefreshInterval > 0 {
		clientConfig.TopologyRefreshInterval = config.topologyRefreshInterval
	}
	if config.maxCacheSize > 0 {
		clientConfig.MaxCacheSize = config.maxCacheSize
	}
	clientConfig.InvalidateCacheOnWrite = config.invalidateCacheOnWrite
	clientConfig.Username = config.user
	clientConfig.Password = config.pass

	return &clientConfig, nil
}

type app struct {
	logger   *zap.Logger
	logLevel zap.AtomicLevel
	config   *config
	executor *client.RequestExecutor

	etcdClient *etcd.Client
	shutdownFn []func()
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	return parsedLogLevel
}

// setupApp loads the configuration, telemetry and credentials and builds the
// request executor every subcommand runs against.
func setupApp(ctx context.Context) (*app, error) {
	logLevel, logger := getLogger()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load specified config file: %w", err)
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	a := &app{
		logger:   logger,
		logLevel: logLevel,
		config:   config,
	}

	tracerProvider, meterProvider, err :=
		initTelemetry(ctx,
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		a.shutdownFn = append(a.shutdownFn, func() {
			_ = tracerProvider.Shutdown(context.Background())
		})
	}
	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
		a.shutdownFn = append(a.shutdownFn, func() {
			_ = meterProvider.Shutdown(context.Background())
		})
	}

	if !config.credsSource.IsEmpty() {
		if config.user != "" || config.pass != "" {
			a.Close()
			return nil, fmt.Errorf("cannot use user or pass when fetching creds from a cloud provider")
		}

		logger.Info("fetching database credentials from secret manager")
		config.user, config.pass, err = secretsmanager.FetchCredentials(ctx, config.credsSource)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to fetch database credentials: %w", err)
		}
	}

	var extraSeeds []string
	if len(config.etcdEndpoints) > 0 {
		etcdClient, err := etcd.New(etcd.Config{
			Endpoints:   config.etcdEndpoints,
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd"),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		a.etcdClient = etcdClient

		provider := seedlist.NewEtcdProvider(seedlist.EtcdProviderOptions{
			EtcdClient: etcdClient,
			KeyPrefix:  config.etcdPrefix,
			Logger:     logger.Named("seeds"),
		})

		extraSeeds, err = provider.Seeds(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to fetch seeds from etcd: %w", err)
		}

		logger.Debug("discovered seeds from etcd", zap.Strings("seeds", extraSeeds))
	}

	clientConfig, err := buildClientConfig(config, logger.Named("executor"), extraSeeds)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.executor, err = client.NewRequestExecutor(clientConfig)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// watchConfig hot-reloads the log level whenever the config file changes.
func (a *app) watchConfig() {
	if cfgFile == "" || !watchCfgFile {
		return
	}

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			a.logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(a.logger)

		if newConfig.connStr != a.config.connStr ||
			newConfig.readBalance != a.config.readBalance {
			a.logger.Warn("config changes for connStr or readBalance require a restart")
		}

		if newConfig.logLevelStr != a.config.logLevelStr {
			newParsedLogLevel := parseLogLevel(a.logger, newConfig.logLevelStr)
			a.logLevel.SetLevel(newParsedLogLevel)

			a.logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		a.config = newConfig
	}

	viper.OnConfigChange(func(in fsnotify.Event) {
		a.logger.Info("configuration file change detected")
		reloadConfiguration()
	})

	go viper.WatchConfig()
}

func (a *app) Close() {
	if a.executor != nil {
		a.executor.Close()
	}
	if a.etcdClient != nil {
		_ = a.etcdClient.Close()
	}
	for _, fn := range a.shutdownFn {
		fn()
	}
	_ = a.logger.Sync()
}
