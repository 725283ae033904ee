package possession

import "errors"

var (
	ErrAlreadyExists                       = errors.New("possession: deal already exists")
	ErrNotFound                            = errors.New("possession: deal not found")
	ErrMustBeCreatorAndOwnershipTokenOwner = errors.New("possession: caller must be creator and ownership token owner")
	ErrMustBeOwnershipTokenOwner           = errors.New("possession: caller must be ownership token owner")
	ErrOnlyOwner                           = errors.New("possession: only the ownership token owner may do this")
	ErrOnlyPossessor                       = errors.New("possession: only the possessor may do this")
	ErrOnlyAuthority                       = errors.New("possession: only the neutral authority may do this")
	ErrFulfillmentInProgress               = errors.New("possession: fulfillment in progress")
	ErrFulfillmentNotInProgress            = errors.New("possession: fulfillment not in progress")
	ErrCancelNotAllowed                    = errors.New("possession: cancel requires consent from both parties")
	ErrFulfilmentNotExpired                = errors.New("possession: fulfilment not expired")
	ErrInvalidTerms                        = errors.New("possession: invalid terms")
	ErrInvalidAmount                       = errors.New("possession: invalid amount")
	ErrAuthorityNotConfigured              = errors.New("possession: neutral authority not configured")
	ErrZeroCaller                          = errors.New("possession: caller address required")
	ErrZeroAuthority                       = errors.New("possession: authority address required")
	ErrCustodyAccount                      = errors.New("possession: custody vault cannot act as a party")

	errNilState = errors.New("possession engine: state not configured")
	errBadClock = errors.New("possession engine: clock returned non-positive time")
)
