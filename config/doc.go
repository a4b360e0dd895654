/*
Package config defines the WSAA client sidecar configuration.
It reads configuration file in YAML format and decodes it as Config struct,
and helps to read configuration from environment variables.
*/
package config
