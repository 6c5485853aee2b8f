//go:build !atsapi
// +build !atsapi

package alazar

import "errors"

// ErrNoSDK is returned by Open when the package was built without the
// atsapi tag
var ErrNoSDK = errors.New("alazar: built without ATSApi support, rebuild with -tags atsapi or use a MockBoard")

// Open finds a board by system and board ID.  This build has no SDK.
func Open(systemID, boardID int) (Board, error) {
	return nil, ErrNoSDK
}
