package conf

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults() {
	viper.SetDefault("httpport", "8090")
	viper.SetDefault("debug", false)

	viper.SetDefault("capture.sampleinterval", 2*time.Second)
	viper.SetDefault("capture.queuecapacity", 16)
	viper.SetDefault("capture.motionthreshold", 0.1)
	viper.SetDefault("capture.maxretries", 3)
	viper.SetDefault("capture.backoffinitial", 2*time.Second)
	viper.SetDefault("capture.backoffceiling", 30*time.Second)

	viper.SetDefault("inference.endpoint", "http://localhost:8000")
	viper.SetDefault("inference.timeout", 15*time.Second)
	viper.SetDefault("inference.confidencethreshold", 0.25)

	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("storage.path", "skyhawk.db")

	viper.SetDefault("sink.overflowcapacity", 64)
	viper.SetDefault("sink.retrybackoff", 500*time.Millisecond)
	viper.SetDefault("sink.recordnodetections", false)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.topic", "skyhawk/detections")
	viper.SetDefault("mqtt.clientid", "skyhawk-capture")

	viper.SetDefault("telegram.enabled", false)
	viper.SetDefault("telegram.cooldownseconds", 60)
}
