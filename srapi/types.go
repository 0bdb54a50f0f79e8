package srapi

// Upstream DTOs. Field names follow the (inconsistent) upstream JSON.

type ServerInfo struct {
	ID           string `json:"id"`
	ServerCode   string `json:"ServerCode"`
	ServerName   string `json:"ServerName"`
	ServerRegion string `json:"ServerRegion"`
	IsActive     bool   `json:"IsActive"`
}

type TrainData struct {
	ControlledBySteamID *string  `json:"ControlledBySteamID"`
	ControlledByXboxID  *string  `json:"ControlledByXboxID"`
	InBorderStationArea bool     `json:"InBorderStationArea"`
	Latitude            *float64 `json:"Latititute"`
	Longitude           *float64 `json:"Longitute"`
	Velocity            float64  `json:"Velocity"`
	SignalInFront       *string  `json:"SignalInFront"`
	DistanceToSignal    float64  `json:"DistanceToSignalInFront"`
	SignalInFrontSpeed  int      `json:"SignalInFrontSpeed"`
}

type Train struct {
	ID           string    `json:"id"`
	TrainNoLocal string    `json:"TrainNoLocal"`
	TrainName    string    `json:"TrainName"`
	StartStation string    `json:"StartStation"`
	EndStation   string    `json:"EndStation"`
	Vehicles     []string  `json:"Vehicles"`
	ServerCode   string    `json:"ServerCode"`
	Type         string    `json:"Type"`
	RunID        string    `json:"RunId"`
	TrainData    TrainData `json:"TrainData"`
}

type TrainPosition struct {
	ID        string   `json:"id"`
	Latitude  *float64 `json:"Latititute"`
	Longitude *float64 `json:"Longitute"`
	Velocity  float64  `json:"Velocity"`
}

type Dispatcher struct {
	SteamID *string `json:"steamId"`
	XboxID  *string `json:"xboxId"`
}

type DispatchPostInfo struct {
	ID                  string       `json:"id"`
	Name                string       `json:"Name"`
	Prefix              string       `json:"Prefix"`
	DifficultyLevel     int          `json:"DifficultyLevel"`
	Latitude            float64      `json:"Latititude"`
	Longitude           float64      `json:"Longitude"`
	MainImageURL        string       `json:"MainImageURL"`
	AdditionalImage1URL string       `json:"AdditionalImage1URL"`
	AdditionalImage2URL string       `json:"AdditionalImage2URL"`
	DispatchedBy        []Dispatcher `json:"DispatchedBy"`
}

func (p *DispatchPostInfo) ImageURLs() []string {
	urls := []string{}
	for _, u := range []string{p.MainImageURL, p.AdditionalImage1URL, p.AdditionalImage2URL} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

type TimetableEntry struct {
	NameOfPoint     string  `json:"nameOfPoint"`
	PointID         string  `json:"pointId"`
	ArrivalTime     *string `json:"arrivalTime"`
	DepartureTime   *string `json:"departureTime"`
	StopType        string  `json:"stopType"`
	Track           *int    `json:"track"`
	Platform        *string `json:"platform"`
	StationCategory *string `json:"stationCategory"`
	TrainType       string  `json:"trainType"`
	MaxSpeed        int     `json:"maxSpeed"`
	Mileage         float64 `json:"mileage"`
	Line            *string `json:"line"`
}

type Timetable struct {
	TrainNoLocal string           `json:"trainNoLocal"`
	TrainName    string           `json:"trainName"`
	StartStation string           `json:"startStation"`
	EndStation   string           `json:"endStation"`
	RunID        string           `json:"runId"`
	Timetable    []TimetableEntry `json:"timetable"`
}
