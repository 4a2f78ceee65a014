package purchase

// Channel selects how a purchase is paid for. The set is closed: only the
// types in this file implement it.
type Channel interface {
	channelName() string
}

// BalanceFunded debits the user's internal balance synchronously.
type BalanceFunded struct{}

// GatewayFunded issues a provider invoice. The purchase is debited once the
// provider confirms payment.
type GatewayFunded struct {
	// CallbackURL overrides the configured provider callback.
	CallbackURL string
}

// SecondaryChannel hands the purchase to an external fulfiller.
type SecondaryChannel struct {
	Provider string
}

func (BalanceFunded) channelName() string    { return "balance" }
func (GatewayFunded) channelName() string    { return "gateway" }
func (SecondaryChannel) channelName() string { return "secondary" }

// ChannelName returns the stable label for ch.
func ChannelName(ch Channel) string {
	if ch == nil {
		return "none"
	}
	return ch.channelName()
}

// ParseChannel maps an API channel name onto a Channel.
func ParseChannel(name, provider string) (Channel, bool) {
	switch name {
	case "", "balance":
		return BalanceFunded{}, true
	case "gateway":
		return GatewayFunded{}, true
	case "secondary":
		return SecondaryChannel{Provider: provider}, true
	default:
		return nil, false
	}
}
