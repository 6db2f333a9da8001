package cnmv

import (
	"dataharvest/lib/telemetry"
)

var tracer = telemetry.Tracer("dataharvest.lib.scrapers.cnmv")
