package audit

import (
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	userOnce    sync.Once
	processUser string
)

func currentUser() string {
	userOnce.Do(func() {
		if u, err := user.Current(); err == nil {
			processUser = u.Username
		} else {
			processUser = strconv.Itoa(os.Geteuid())
		}
	})
	return processUser
}

func newEvent(source, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Action:    action,
		Success:   success,
		UserID:    currentUser(),
		PID:       os.Getpid(),
	}
	liftMetadata(&event, metadata)
	return event
}
