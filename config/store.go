// Package config owns the persisted gateway configuration: the list of
// virtual cameras and the global settings. The document lives in a single
// JSON file that is replaced atomically on every save.
package config

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/onvifcam/gateway/encoding/json"
	"github.com/onvifcam/gateway/io/file"
	"github.com/onvifcam/gateway/log"

	"github.com/go-playground/validator/v10"
)

// Document is the shape of the config file.
type Document struct {
	Cameras  []*Camera `json:"cameras"`
	Settings Settings  `json:"settings"`

	extra map[string]json.RawMessage
}

type documentAlias Document

func (d *Document) UnmarshalJSON(data []byte) error {
	a := documentAlias{}

	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	all := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*d = Document(a)

	delete(all, "cameras")
	delete(all, "settings")

	if len(all) != 0 {
		d.extra = all
	}

	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(documentAlias(d))
	if err != nil {
		return nil, err
	}

	if len(d.extra) == 0 {
		return known, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}

	for key, value := range d.extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}

	return json.Marshal(merged)
}

// Store serializes access to the configuration document and persists it.
type Store struct {
	path     string
	cameras  map[int]*Camera
	settings Settings
	extra    map[string]json.RawMessage
	nextID   int

	nicSupported bool

	validate *validator.Validate
	logger   log.Logger

	lock sync.Mutex
}

// StoreConfig is the configuration for a new Store.
type StoreConfig struct {
	Filepath string // Full path to the config file
	// NICSupported tells the store whether the host can create virtual
	// NICs. Cameras enabling the feature are rejected otherwise.
	NICSupported bool
	Logger       log.Logger
}

// NewStore reads the config file at the given path. A missing file yields a
// store with default settings and no cameras.
func NewStore(c StoreConfig) (*Store, error) {
	s := &Store{
		path:         c.Filepath,
		cameras:      map[int]*Camera{},
		settings:     DefaultSettings(),
		nextID:       1,
		nicSupported: c.NICSupported,
		validate:     validator.New(),
		logger:       c.Logger,
	}

	if len(s.path) == 0 {
		s.path = "config.json"
	}

	if s.logger == nil {
		s.logger = log.New("Config")
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	doc := Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return json.FormatError(data, err)
	}

	if doc.Settings.RTSPPort == 0 {
		doc.Settings = DefaultSettings()
	}

	s.settings = doc.Settings
	s.extra = doc.extra

	for _, cam := range doc.Cameras {
		s.cameras[cam.ID] = cam

		if cam.ID >= s.nextID {
			s.nextID = cam.ID + 1
		}
	}

	s.logger.WithField("cameras", len(s.cameras)).Debug().Log("Read config from %s", s.path)

	return nil
}

// Save writes the document back to disk. The caller doesn't need to hold
// any locks.
func (s *Store) Save() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.save()
}

func (s *Store) save() error {
	doc := Document{
		Cameras:  s.listCameras(),
		Settings: s.settings,
		extra:    s.extra,
	}

	data, err := json.MarshalIndent(&doc, "", "    ")
	if err != nil {
		return err
	}

	if err := file.WriteSafe(s.path, data); err != nil {
		return fmt.Errorf("failed to store config: %w", err)
	}

	s.logger.WithField("file", s.path).Debug().Log("Stored config")

	return nil
}

// Settings returns a copy of the global settings.
func (s *Store) Settings() Settings {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.settings
}

// SetSettings replaces the global settings and persists the document.
func (s *Store) SetSettings(settings Settings) error {
	if err := s.validate.Struct(&settings); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.settings = settings

	return s.save()
}

// NextID hands out the next camera id. Ids are dense and monotonic.
func (s *Store) NextID() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.nextID
	s.nextID++

	return id
}

// GetCamera returns a copy of the camera with the given id.
func (s *Store) GetCamera(id int) (*Camera, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	cam, ok := s.cameras[id]
	if !ok {
		return nil, ErrNotFound
	}

	return cam.Clone(), nil
}

// ListCameras returns copies of all cameras, ordered by id.
func (s *Store) ListCameras() []*Camera {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.listCameras()
}

func (s *Store) listCameras() []*Camera {
	list := make([]*Camera, 0, len(s.cameras))

	for _, cam := range s.cameras {
		list = append(list, cam.Clone())
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	return list
}

// PutCamera validates the camera, inserts or replaces it in the set, and
// persists the document. A camera without a PathName gets one derived from
// its name; an existing camera keeps its slug.
func (s *Store) PutCamera(cam *Camera) error {
	if cam == nil {
		return ErrInvalid
	}

	if err := s.validate.Struct(cam); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}

	if cam.NIC.Enable {
		if !s.nicSupported {
			return fmt.Errorf("%w: virtual NICs are not supported on this host", ErrInvalid)
		}

		if len(cam.NIC.ParentInterface) == 0 {
			return fmt.Errorf("%w: virtual NIC requires a parent interface", ErrInvalid)
		}

		if len(cam.NIC.MAC) != 0 {
			if err := ValidateMAC(cam.NIC.MAC); err != nil {
				return err
			}
		}

		if cam.NIC.IPMode == "static" && len(cam.NIC.StaticIP) == 0 {
			return fmt.Errorf("%w: static IP mode requires an address", ErrInvalid)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	cam = cam.Clone()

	if existing, ok := s.cameras[cam.ID]; ok && len(cam.PathName) == 0 {
		cam.PathName = existing.PathName
	}

	if len(cam.PathName) == 0 {
		taken := map[string]int{}
		for _, other := range s.cameras {
			taken[other.PathName] = other.ID
		}

		cam.PathName = UniqueSlug(cam.Name, cam.ID, taken)
	}

	for _, other := range s.cameras {
		if other.ID == cam.ID {
			continue
		}

		if other.PathName == cam.PathName {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, cam.PathName)
		}

		if cam.ONVIFPort != 0 && other.ONVIFPort == cam.ONVIFPort {
			return fmt.Errorf("%w: %d", ErrPortInUse, cam.ONVIFPort)
		}
	}

	for _, reserved := range s.settings.ReservedPorts() {
		if cam.ONVIFPort != 0 && cam.ONVIFPort == reserved {
			return fmt.Errorf("%w: %d is reserved", ErrPortInUse, cam.ONVIFPort)
		}
	}

	s.cameras[cam.ID] = cam

	if cam.ID >= s.nextID {
		s.nextID = cam.ID + 1
	}

	return s.save()
}

// DeleteCamera removes the camera from the set and persists the document.
func (s *Store) DeleteCamera(id int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.cameras[id]; !ok {
		return ErrNotFound
	}

	delete(s.cameras, id)

	return s.save()
}
