package warren

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/warren/internal/runtime"
	brokerpkg "github.com/drblury/warren/internal/runtime/broker"
	"github.com/drblury/warren/internal/runtime/broker/brokertest"
	configpkg "github.com/drblury/warren/internal/runtime/config"
	consumerpkg "github.com/drblury/warren/internal/runtime/consumer"
	dispatchpkg "github.com/drblury/warren/internal/runtime/dispatch"
	errspkg "github.com/drblury/warren/internal/runtime/errors"
	handlerpkg "github.com/drblury/warren/internal/runtime/handlers"
	idspkg "github.com/drblury/warren/internal/runtime/ids"
	jsoncodec "github.com/drblury/warren/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/warren/internal/runtime/logging"
	metadatapkg "github.com/drblury/warren/internal/runtime/metadata"
	metricspkg "github.com/drblury/warren/internal/runtime/metrics"
	producerpkg "github.com/drblury/warren/internal/runtime/producer"
	registrypkg "github.com/drblury/warren/internal/runtime/registry"
	supervisorpkg "github.com/drblury/warren/internal/runtime/supervisor"
	topologypkg "github.com/drblury/warren/internal/runtime/topology"
	workerpkg "github.com/drblury/warren/internal/runtime/worker"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Role                = runtimepkg.Role
	ConsumerInfo        = runtimepkg.ConsumerInfo
	Status              = runtimepkg.Status

	ConsumerDefinition = consumerpkg.Definition
	Consumer           = consumerpkg.Consumer
	ConsumerRegistry   = consumerpkg.Registry
	TopologyOptions    = topologypkg.Options
	Topology           = topologypkg.Topology
	Resource           = topologypkg.Resource

	Message                = dispatchpkg.Message
	Result                 = dispatchpkg.Result
	Next                   = dispatchpkg.Next
	Middleware             = dispatchpkg.Middleware
	MiddlewareFunc         = dispatchpkg.MiddlewareFunc
	MiddlewareBuilder      = dispatchpkg.MiddlewareBuilder
	MiddlewareRegistration = dispatchpkg.MiddlewareRegistration
	ConsumerFunc           = dispatchpkg.ConsumerFunc
	Perform                = dispatchpkg.Consumer
	ErrorReporter          = dispatchpkg.ErrorReporter
	JSONConfig             = dispatchpkg.JSONConfig
	MaxRetryConfig         = dispatchpkg.MaxRetryConfig
	DeliveryContext        = dispatchpkg.DeliveryContext
	DeliveryHooks          = dispatchpkg.DeliveryHooks

	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	ProducerDefinition = producerpkg.Definition
	Producer           = producerpkg.Producer
	ProducerOptions    = producerpkg.Options
	PublishOptions     = producerpkg.PublishOptions
	Publisher          = producerpkg.Publisher
	PublisherFunc      = producerpkg.PublisherFunc
	Switch             = producerpkg.Switch

	WorkerFactory    = workerpkg.Factory
	WorkerDefinition = workerpkg.Definition
	WorkerHooks      = workerpkg.Hooks

	ProcessRecord = registrypkg.ProcessRecord
	ProcessStore  = registrypkg.Store
	Spawner       = supervisorpkg.Spawner
	ExecSpawner   = supervisorpkg.ExecSpawner

	Dialer   = brokerpkg.Dialer
	Metadata = metadatapkg.Metadata
	Headers  = metadatapkg.Headers
	Metrics  = metricspkg.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigurationError     = errspkg.ConfigurationError
	BrokerUnavailableError = errspkg.BrokerUnavailableError
)

const (
	Ack     = dispatchpkg.Ack
	Reject  = dispatchpkg.Reject
	Requeue = dispatchpkg.Requeue
	Nack    = dispatchpkg.Nack

	RoleSupervisor = runtimepkg.RoleSupervisor
	RoleWorker     = runtimepkg.RoleWorker

	RegistryStoreMemory   = configpkg.RegistryStoreMemory
	RegistryStoreSQLite   = configpkg.RegistryStoreSQLite
	RegistryStorePostgres = configpkg.RegistryStorePostgres
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	RegisterConsumer     = consumerpkg.Register
	MustRegisterConsumer = consumerpkg.MustRegister
	NewConsumerRegistry  = consumerpkg.NewRegistry
	ParseTopologyOptions = topologypkg.ParseOptions
	Named                = topologypkg.Named
	Enabled              = topologypkg.Enabled
	WithOptions          = topologypkg.WithOptions
	RetryAfter           = topologypkg.Retry

	DefaultMiddlewares = dispatchpkg.DefaultMiddlewares
	RecoverMiddleware  = dispatchpkg.RecoverMiddleware
	LoggingMiddleware  = dispatchpkg.LoggingMiddleware
	JSONMiddleware     = dispatchpkg.JSONMiddleware
	MaxRetryMiddleware = dispatchpkg.MaxRetryMiddleware
	TracingMiddleware  = dispatchpkg.TracingMiddleware
	MetricsMiddleware  = dispatchpkg.MetricsMiddleware
	HooksMiddleware    = dispatchpkg.HooksMiddleware
	LoggingHooks       = dispatchpkg.LoggingHooks
	AlertingHooks      = dispatchpkg.AlertingHooks
	IsInvalidResult    = dispatchpkg.IsInvalidResult

	NewProducer   = producerpkg.New
	NewSwitch     = producerpkg.NewSwitch
	DefaultSwitch = producerpkg.DefaultSwitch
	EncodePayload = producerpkg.Encode

	NewWorkerFactory = workerpkg.NewFactory

	// NewMemoryBroker returns an in-memory broker for tests; its Dialer plugs
	// into ServiceDependencies.Dialer.
	NewMemoryBroker = brokertest.New
	NewMemoryStore  = registrypkg.NewMemoryStore

	NewMetrics = metricspkg.New

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrNoConsumers             = errspkg.ErrNoConsumers
	ErrUnknownConsumer         = errspkg.ErrUnknownConsumer
	ErrDuplicateConsumer       = errspkg.ErrDuplicateConsumer
	ErrConsumerRequired        = errspkg.ErrConsumerRequired
	ErrUnknownScheme           = errspkg.ErrUnknownScheme
	ErrPoolTimeout             = errspkg.ErrPoolTimeout
	ErrPoolShutdown            = errspkg.ErrPoolShutdown
	ErrProcessNotFound         = errspkg.ErrProcessNotFound
	ErrPidfileLocked           = errspkg.ErrPidfileLocked
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrExchangeRequired        = errspkg.ErrExchangeRequired
	ErrPayloadRequired         = errspkg.ErrPayloadRequired
	ErrWorkerDefinitionMissing = errspkg.ErrWorkerDefinitionMissing
	IsConfigurationError       = errspkg.IsConfigurationError
	IsBrokerUnavailable        = errspkg.IsBrokerUnavailable

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewHeaders = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// BuildJSONHandler adapts a typed JSON handler into a consumer Perform.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger ServiceLogger) (Perform, error) {
	return handlerpkg.BuildJSONHandler(handler, logger)
}

// BuildProtoHandler adapts a typed protobuf handler into a consumer Perform.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], logger ServiceLogger) (Perform, error) {
	return handlerpkg.BuildProtoHandler(prototype, handler, logger)
}
