package mqtt

import (
	"fmt"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// pahoLogger routes paho's internal logging into zerolog.
type pahoLogger struct {
	level zerolog.Level
}

func (l pahoLogger) Println(v ...interface{}) {
	log.WithLevel(l.level).Str("component", "paho").Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l pahoLogger) Printf(format string, v ...interface{}) {
	log.WithLevel(l.level).Str("component", "paho").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// InstallLogger wires paho's loggers to zerolog. Debug output is only enabled
// when the global level is debug or lower.
func InstallLogger() {
	paho.ERROR = pahoLogger{level: zerolog.ErrorLevel}
	paho.CRITICAL = pahoLogger{level: zerolog.ErrorLevel}
	paho.WARN = pahoLogger{level: zerolog.WarnLevel}
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		paho.DEBUG = pahoLogger{level: zerolog.DebugLevel}
	}
}
