package st3215

// Model represents a servo model specification.
type Model struct {
	Name        string
	Number      int // Model number returned by the model_number register
	Resolution  int // Position resolution in steps (e.g., 4096 for 12-bit)
	MaxPosition int // Maximum position value

	// BaudRates lists supported baud rates in register value order.
	BaudRates []int
}

// DefaultBaudRates for STS servos; index is the baud_rate register value.
var DefaultBaudRates = []int{
	1000000, // 0
	500000,  // 1
	250000,  // 2
	128000,  // 3
	115200,  // 4
	76800,   // 5
	57600,   // 6
	38400,   // 7
}

// Models sharing the STS control table.
var (
	ModelSTS3215 = Model{
		Name:        "sts3215",
		Number:      777,
		Resolution:  4096,
		MaxPosition: 4095,
		BaudRates:   DefaultBaudRates,
	}

	ModelSTS3250 = Model{
		Name:        "sts3250",
		Number:      2825,
		Resolution:  4096,
		MaxPosition: 4095,
		BaudRates:   DefaultBaudRates,
	}

	ModelSM8512BL = Model{
		Name:        "sm8512bl",
		Number:      11272,
		Resolution:  4096,
		MaxPosition: 4095,
		BaudRates:   DefaultBaudRates,
	}
)

var modelsByNumber = map[int]*Model{
	ModelSTS3215.Number:  &ModelSTS3215,
	ModelSTS3250.Number:  &ModelSTS3250,
	ModelSM8512BL.Number: &ModelSM8512BL,
}

// LookupModel returns a model by its hardware model number.
func LookupModel(number int) (*Model, bool) {
	m, ok := modelsByNumber[number]
	return m, ok
}

// BaudRateIndex returns the register value for a baud rate, or -1 if not supported.
func (m *Model) BaudRateIndex(baudRate int) int {
	for i, rate := range m.BaudRates {
		if rate == baudRate {
			return i
		}
	}
	return -1
}
