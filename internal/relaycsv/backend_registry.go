package relaycsv

import (
	"strings"
	"sync"
)

type QueueFactory func(dsn string, opts QueueOptions) (Queue, error)
type ObjectStoreFactory func(dsn string, opts StoreOptions) (ObjectStore, error)

var backendFactoryRegistry = struct {
	mu              sync.RWMutex
	queueFactories  map[string]QueueFactory
	objectFactories map[string]ObjectStoreFactory
}{
	queueFactories:  map[string]QueueFactory{},
	objectFactories: map[string]ObjectStoreFactory{},
}

func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func RegisterObjectStoreFactory(scheme string, factory ObjectStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.objectFactories[scheme] = factory
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func lookupObjectStoreFactory(scheme string) (ObjectStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.objectFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
