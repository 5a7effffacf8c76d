package filters

// DefaultBaseline is the fallback starting point when no baseline is supplied.
// It keeps a handful of broad safety filters and leaves the rest unset.
func DefaultBaseline() Config {
	return NewConfig().
		MustSet("Min MCAP (USD)", Num(5000)).
		MustSet("Max MCAP (USD)", Num(60000)).
		MustSet("Min AG Score", Num(4)).
		MustSet("Min Holders", Num(5)).
		MustSet("Max Bundled %", Num(40)).
		MustSet("Max Drained %", Num(50)).
		MustSet("Min Buy Ratio %", Num(50))
}
