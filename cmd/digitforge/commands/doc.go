// Package commands defines the digitforge CLI.
//
// Commands
//
//   - train     Train the CNN, evaluating and exporting on checkpoints
//   - evaluate  Score the latest checkpoint on the test set
//   - export    Write a servable bundle from the latest checkpoint
//   - predict   Classify image files with the newest servable
//
// The root command loads the YAML config, applies flag overrides, builds the
// logger and resolves paths from the DIGITFORGE_* environment before any
// subcommand runs.
package commands
