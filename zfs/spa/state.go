package spa

type PoolState uint64

const (
	PoolStateActive            PoolState = iota /* In active use		*/
	PoolStateExported                           /* Explicitly exported		*/
	PoolStateDestroyed                          /* Explicitly destroyed		*/
	PoolStateSpare                              /* Reserved for hot spare use	*/
	PoolStateL2Cache                            /* Level 2 ARC device		*/
	PoolStateUninitialized                      /* Internal spa_t state		*/
	PoolStateUnavail                            /* Internal libzfs state	*/
	PoolStatePotentiallyActive                  /* Internal libzfs state	*/
)

// PoolStates lists every value String can return, in the order the collector exports them.
var PoolStates = [...]string{
	"ACTIVE",
	"EXPORTED",
	"DESTROYED",
	"SPARE",
	"L2CACHE",
	"UNINITIALIZED",
	"UNAVAIL",
	"POTENTIALLY_ACTIVE",
	"UNKNOWN",
}

func (s PoolState) String() string {
	switch s {
	case PoolStateActive:
		return "ACTIVE"
	case PoolStateExported:
		return "EXPORTED"
	case PoolStateDestroyed:
		return "DESTROYED"
	case PoolStateSpare:
		return "SPARE"
	case PoolStateL2Cache:
		return "L2CACHE"
	case PoolStateUninitialized:
		return "UNINITIALIZED"
	case PoolStateUnavail:
		return "UNAVAIL"
	case PoolStatePotentiallyActive:
		return "POTENTIALLY_ACTIVE"
	}

	return "UNKNOWN"
}
