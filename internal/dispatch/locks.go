package dispatch

import "github.com/moby/locker"

// keyedMutex serializes work per key. Keys nobody holds or waits on are
// forgotten.
type keyedMutex struct {
	locks *locker.Locker
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: locker.New()}
}

// Lock blocks until key is free and returns its unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.locks.Lock(key)
	return func() { _ = k.locks.Unlock(key) }
}
