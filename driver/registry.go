package driver

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Factory creates a new Driver instance with the given options.
type Factory func(options Options) (Driver, error)

var (
	// factories registered by driver implementations, usually in their init(). Protected by muDrivers.
	factories = make(map[string]Factory)

	// loadedDrivers caches the drivers already created by Get. Protected by muDrivers.
	loadedDrivers = make(map[string]Driver)
	muDrivers     sync.Mutex
)

// Register makes a driver implementation available under the given name.
// Registering the same name twice replaces the factory, but not drivers already created by Get.
func Register(name string, factory Factory) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if _, found := factories[name]; found {
		klog.Warningf("driver %q registered more than once, using latest registration", name)
	}
	factories[name] = factory
}

// Get returns the driver with the given name.
//
// Drivers are singletons and cached: Get returns the same instance if called again with the same name,
// and the options are only used the first time.
func Get(name string, options Options) (Driver, error) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	if drv, found := loadedDrivers[name]; found {
		return drv, nil
	}
	factory, found := factories[name]
	if !found {
		return nil, errors.Errorf("driver %q not registered, registered drivers: %v", name, namesLocked())
	}
	if options == nil {
		options = make(Options)
	}
	if err := options.Normalize(); err != nil {
		return nil, errors.WithMessagef(err, "invalid options for driver %q", name)
	}
	drv, err := factory(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating driver %q", name)
	}
	loadedDrivers[name] = drv
	return drv, nil
}

// New creates a new, uncached, instance of the named driver.
func New(name string, options Options) (Driver, error) {
	muDrivers.Lock()
	factory, found := factories[name]
	muDrivers.Unlock()
	if !found {
		return nil, errors.Errorf("driver %q not registered", name)
	}
	if options == nil {
		options = make(Options)
	}
	if err := options.Normalize(); err != nil {
		return nil, errors.WithMessagef(err, "invalid options for driver %q", name)
	}
	return factory(options)
}

// Names returns the sorted names of the registered drivers.
func Names() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
