package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ TransitionHook  = TransitionHookFunc{}
	_ RawConfigLoader = YAMLFileConfigLoader{}
	_ RawConfigLoader = staticRawConfigLoader{}
	_ ConfigProvider  = (*CfgxConfigProvider)(nil)
	_ OptionsResolver = GoOptionsResolver{}
	_ MetricsRecorder = NopMetricsRecorder{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
