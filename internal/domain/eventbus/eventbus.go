package eventbus

import (
	"sync"

	"github.com/asaskevich/EventBus"
)

var (
	bus     EventBus.Bus
	busOnce sync.Once
)

// Get 获取全局事件总线
func Get() EventBus.Bus {
	busOnce.Do(func() {
		bus = EventBus.New()
	})
	return bus
}
