package feeder

import "dataharvest/lib/telemetry"

var tracer = telemetry.Tracer("dataharvest.services.feeder")
