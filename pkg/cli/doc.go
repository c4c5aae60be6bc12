// Package cli implements the mail-dispatch command line: the run, preview and
// version commands, flag and environment overrides on top of the config file,
// and the mapping of run outcomes to process exit codes.
package cli
