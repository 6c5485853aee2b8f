package alazar

import (
	"errors"
	"fmt"
)

// ReturnCode is a RETURN_CODE from the ATSApi library
type ReturnCode int

const (
	// ApiSuccess is the only code that indicates a call completed normally
	ApiSuccess ReturnCode = 512

	ApiFailed                   ReturnCode = 513
	ApiAccessDenied             ReturnCode = 514
	ApiDmaChannelUnavailable    ReturnCode = 515
	ApiDmaInProgress            ReturnCode = 518
	ApiInvalidHandle            ReturnCode = 535
	ApiNoAction                 ReturnCode = 536
	ApiUnsupportedFunction      ReturnCode = 538
	ApiInvalidData              ReturnCode = 539
	ApiInvalidSize              ReturnCode = 542
	ApiInsufficientResources    ReturnCode = 544
	ApiBufferNotReady           ReturnCode = 573
	ApiWaitTimeout              ReturnCode = 579
	ApiWaitCanceled             ReturnCode = 580
	ApiBufferTooSmall           ReturnCode = 581
	ApiBufferOverflow           ReturnCode = 582
	ApiInvalidBuffer            ReturnCode = 583
	ApiInvalidRecordsPerBuffer  ReturnCode = 584
	ApiDmaPending               ReturnCode = 585
	ApiTransferComplete         ReturnCode = 589
	ApiPllNotLocked             ReturnCode = 590
	ApiNotSupportedInDualChMode ReturnCode = 591
)

var (
	// ErrCodes maps return codes to the names used in the SDK headers
	ErrCodes = map[ReturnCode]string{
		ApiSuccess:                  "ApiSuccess",
		ApiFailed:                   "ApiFailed",
		ApiAccessDenied:             "ApiAccessDenied",
		ApiDmaChannelUnavailable:    "ApiDmaChannelUnavailable",
		ApiDmaInProgress:            "ApiDmaInProgress",
		ApiInvalidHandle:            "ApiInvalidHandle",
		ApiNoAction:                 "ApiNoAction",
		ApiUnsupportedFunction:      "ApiUnsupportedFunction",
		ApiInvalidData:              "ApiInvalidData",
		ApiInvalidSize:              "ApiInvalidSize",
		ApiInsufficientResources:    "ApiInsufficientResources",
		ApiBufferNotReady:           "ApiBufferNotReady",
		ApiWaitTimeout:              "ApiWaitTimeout",
		ApiWaitCanceled:             "ApiWaitCanceled",
		ApiBufferTooSmall:           "ApiBufferTooSmall",
		ApiBufferOverflow:           "ApiBufferOverflow",
		ApiInvalidBuffer:            "ApiInvalidBuffer",
		ApiInvalidRecordsPerBuffer:  "ApiInvalidRecordsPerBuffer",
		ApiDmaPending:               "ApiDmaPending",
		ApiTransferComplete:         "ApiTransferComplete",
		ApiPllNotLocked:             "ApiPllNotLocked",
		ApiNotSupportedInDualChMode: "ApiNotSupportedInDualChannelMode",
	}

	// ErrWaitTimeout is matched by errors.Is when a DMA wait expired
	ErrWaitTimeout = ApiWaitTimeout

	// ErrBufferOverflow is matched by errors.Is when the board ran out of
	// posted buffers and dropped data
	ErrBufferOverflow = ApiBufferOverflow

	// ErrInvalidConfig is generated by Config.Validate
	ErrInvalidConfig = errors.New("invalid digitizer configuration")

	// ErrNotConfigured is generated when Acquire is called before Configure
	ErrNotConfigured = errors.New("digitizer has not been configured")

	// ErrBusy is generated when the digitizer is asked to configure or acquire
	// while an acquisition is running
	ErrBusy = errors.New("digitizer is acquiring")
)

// Error satisfies the error interface.  ApiSuccess still formats, but
// Check never returns it as an error.
func (rc ReturnCode) Error() string {
	name, ok := ErrCodes[rc]
	if !ok {
		name = "ApiUnknownError"
	}
	return fmt.Sprintf("%s (%d)", name, int(rc))
}

// Check converts a raw return code to an error, nil on ApiSuccess
func Check(code int) error {
	rc := ReturnCode(code)
	if rc == ApiSuccess {
		return nil
	}
	return rc
}

// enrich prefixes an error with the name of the SDK function that produced it
func enrich(err error, fcnname string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fcnname, err)
}
