package adapter

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/device"
)

// deviceLogger routes wireguard-go's logging into logrus.
func deviceLogger(log *logrus.Entry) *device.Logger {
	log = log.WithField("source", "wireguard-go")
	return &device.Logger{
		Verbosef: func(format string, args ...any) {
			if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
				log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
			}
		},
		Errorf: func(format string, args ...any) {
			log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
		},
	}
}
