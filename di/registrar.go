package di

import (
	"github.com/google/uuid"
	"github.com/samber/do/v2"
)

// RegisterProviders registers every quota component provider on the injector
func RegisterProviders(injector *do.RootScope, opts Options) {
	opts.applyDefaults()

	// Layer 0
	do.Provide(injector, ProvideConfigLoader(opts))
	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	do.ProvideNamedValue(injector, InstanceIDKey, instanceID)

	// Layer 1
	do.Provide(injector, ProvideLogger(opts.LoggerModule))

	// Layer 2
	do.Provide(injector, ProvideRedisManager(opts))
	do.Provide(injector, ProvideStore(opts))
	do.Provide(injector, ProvideTelemetryManager(opts))

	// Layer 3
	do.Provide(injector, ProvidePublisher)
	do.Provide(injector, ProvideCoordinator(opts))
	do.Provide(injector, ProvideSubscriber)
}
