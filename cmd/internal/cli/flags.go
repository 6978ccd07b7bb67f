package cli

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if f == nil {
		panic("cli: unknown flag for " + key)
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
