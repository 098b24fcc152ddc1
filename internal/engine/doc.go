// Package engine owns the training job registry. Each submission gets a
// Future bound to one worker; the Engine maps job ids to futures, rejects
// resubmission under an id that is still in flight, and purges terminal
// entries once they outlive the configured retention.
package engine
