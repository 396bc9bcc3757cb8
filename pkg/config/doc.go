/*
Package config loads and validates YAML configuration for the manager and the
agent. Invalid configuration surfaces at startup and aborts the process.
*/
package config
