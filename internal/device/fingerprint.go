package device

import "strings"

// hostnamePatterns maps well-known hostname fragments to device types.
// First match wins, so more specific fragments sit above generic ones.
var hostnamePatterns = []struct {
	fragment string
	devType  DeviceType
}{
	// Phones
	{"iphone", TypePhone},
	{"android", TypePhone},
	{"pixel", TypePhone},
	{"galaxy", TypePhone},
	{"oneplus", TypePhone},
	{"redmi", TypePhone},

	// TVs and streaming boxes
	{"appletv", TypeTV},
	{"apple-tv", TypeTV},
	{"chromecast", TypeTV},
	{"roku", TypeTV},
	{"firetv", TypeTV},
	{"fire-tv", TypeTV},
	{"bravia", TypeTV},
	{"shield", TypeTV},
	{"webos", TypeTV},

	// Storage
	{"synology", TypeNAS},
	{"diskstation", TypeNAS},
	{"qnap", TypeNAS},
	{"truenas", TypeNAS},
	{"freenas", TypeNAS},
	{"unraid", TypeNAS},
	{"nas", TypeNAS},

	// Printers
	{"printer", TypePrinter},
	{"laserjet", TypePrinter},
	{"deskjet", TypePrinter},
	{"officejet", TypePrinter},
	{"epson", TypePrinter},
	{"brother", TypePrinter},

	// Computers. Windows defaults to DESKTOP-<id>, so the desktop check
	// precedes the laptop fragments that could appear alongside it.
	{"desktop", TypeDesktop},
	{"imac", TypeDesktop},
	{"macmini", TypeDesktop},
	{"mac-mini", TypeDesktop},
	{"workstation", TypeDesktop},
	{"macbook", TypeLaptop},
	{"laptop", TypeLaptop},
	{"thinkpad", TypeLaptop},
	{"notebook", TypeLaptop},

	// IoT
	{"esp32", TypeIoT},
	{"esp8266", TypeIoT},
	{"tasmota", TypeIoT},
	{"shelly", TypeIoT},
	{"sonoff", TypeIoT},
	{"tuya", TypeIoT},
	{"ring-", TypeIoT},
	{"nest-", TypeIoT},
	{"hue-", TypeIoT},
	{"wemo", TypeIoT},
	{"doorbell", TypeIoT},
	{"thermostat", TypeIoT},
	{"roomba", TypeIoT},
	{"vacuum", TypeIoT},
	{"camera", TypeIoT},
}

// GuessType derives a device type from a hostname, TypeUnknown when no
// pattern applies.
func GuessType(hostname string) DeviceType {
	if hostname == "" {
		return TypeUnknown
	}
	h := strings.ToLower(hostname)
	for _, p := range hostnamePatterns {
		if strings.Contains(h, p.fragment) {
			return p.devType
		}
	}
	return TypeUnknown
}
