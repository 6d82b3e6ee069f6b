// Package errors holds the normalized error table shared by every fedround
// component. Call sites generate errors with GenWithStackByArgs and test them
// with Equal, so a wrapped or annotated error still matches its class.
package errors

import (
	"github.com/pingcap/errors"
)

// all fedround errors
var (
	// fabric errors
	ErrCommunication = errors.Normalize(
		"rank %d unreachable: %s",
		errors.RFCCodeText("FEDROUND:ErrCommunication"),
	)
	ErrFabricClosed = errors.Normalize(
		"fabric of rank %d is closed",
		errors.RFCCodeText("FEDROUND:ErrFabricClosed"),
	)
	ErrProtocol = errors.Normalize(
		"protocol violation: %s",
		errors.RFCCodeText("FEDROUND:ErrProtocol"),
	)

	// data errors
	ErrDataFormat = errors.Normalize(
		"bad data format in %s: %s",
		errors.RFCCodeText("FEDROUND:ErrDataFormat"),
	)
	ErrClientNotFound = errors.Normalize(
		"client %s not found",
		errors.RFCCodeText("FEDROUND:ErrClientNotFound"),
	)

	// training and aggregation errors
	ErrTrainingFailure = errors.Normalize(
		"local training failed for client %s: %s",
		errors.RFCCodeText("FEDROUND:ErrTrainingFailure"),
	)
	ErrAggregation = errors.Normalize(
		"aggregation failed: %s",
		errors.RFCCodeText("FEDROUND:ErrAggregation"),
	)
	ErrShapeMismatch = errors.Normalize(
		"parameter %s shape mismatch: %v vs %v",
		errors.RFCCodeText("FEDROUND:ErrShapeMismatch"),
	)

	// coordinator errors
	ErrCheckpoint = errors.Normalize(
		"checkpoint %s: %s",
		errors.RFCCodeText("FEDROUND:ErrCheckpoint"),
	)
	ErrCheckpointNotFound = errors.Normalize(
		"checkpoint %s not found",
		errors.RFCCodeText("FEDROUND:ErrCheckpointNotFound"),
	)
	ErrCoordinatorSetup = errors.Normalize(
		"coordinator setup failed: %s",
		errors.RFCCodeText("FEDROUND:ErrCoordinatorSetup"),
	)
	ErrNoWorkers = errors.Normalize(
		"no worker ranks available",
		errors.RFCCodeText("FEDROUND:ErrNoWorkers"),
	)

	// config errors
	ErrInvalidConfig = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("FEDROUND:ErrInvalidConfig"),
	)
)
