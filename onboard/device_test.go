package onboard

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	serr "github.com/CodedInternet/goservo/onboard/errors"
	"github.com/CodedInternet/goservo/onboard/hardware"
)

type dutyWrite struct {
	channel int
	duty    uint16
}

// recordingDriver keeps every write in order and can be told to fail writes
// on a channel from a given point.
type recordingDriver struct {
	lock     sync.Mutex
	events   []string
	writes   []dutyWrite
	count    map[int]int
	failFrom map[int]int
	freqErr  error
	closed   int
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{count: make(map[int]int), failFrom: make(map[int]int)}
}

func (d *recordingDriver) SetFrequency(hz float64) error {
	return d.freqErr
}

func (d *recordingDriver) WriteDuty(channel int, duty uint16) error {
	d.lock.Lock()
	d.events = append(d.events, fmt.Sprintf("begin:%d", channel))
	d.count[channel]++
	n := d.count[channel]
	from := d.failFrom[channel]
	d.lock.Unlock()

	time.Sleep(10 * time.Microsecond)

	d.lock.Lock()
	defer d.lock.Unlock()
	d.events = append(d.events, fmt.Sprintf("end:%d", channel))
	if from > 0 && n >= from {
		return errors.New("this is a simulated write error")
	}
	d.writes = append(d.writes, dutyWrite{channel, duty})
	return nil
}

func (d *recordingDriver) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed++
	return nil
}

// failAfter lets n more writes on channel succeed.
func (d *recordingDriver) failAfter(channel, n int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failFrom[channel] = d.count[channel] + n + 1
}

func (d *recordingDriver) heal(channel int) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.failFrom, channel)
}

// lastDuty returns the last successful duty written to channel.
func (d *recordingDriver) lastDuty(channel int) (uint16, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i := len(d.writes) - 1; i >= 0; i-- {
		if d.writes[i].channel == channel {
			return d.writes[i].duty, true
		}
	}
	return 0, false
}

func (d *recordingDriver) dutiesOn(channel int) []uint16 {
	d.lock.Lock()
	defer d.lock.Unlock()
	var out []uint16
	for _, w := range d.writes {
		if w.channel == channel {
			out = append(out, w.duty)
		}
	}
	return out
}

type memoryStore struct {
	lock    sync.Mutex
	records []Record
	saves   int
	loadErr error
	saveErr error
}

func (s *memoryStore) Load() ([]Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.records, s.loadErr
}

func (s *memoryStore) Save(records []Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.records = records
	s.saves++
	return nil
}

// dutyAt is the 50Hz duty for angle on a 0-180 degree, 500-2500us servo.
func dutyAt(angle float64) uint16 {
	return hardware.DutyFromPulse(500+angle/180*2000, 50)
}

func newTestController(t *testing.T, records ...Record) (*Controller, *recordingDriver, *memoryStore) {
	drv := newRecordingDriver()
	store := &memoryStore{records: records}
	opts := DefaultOptions()
	opts.Settle = 0
	opts.Logger = zaptest.NewLogger(t).Sugar()

	c, err := NewController(store, func() (hardware.PWMDevice, error) {
		return hardware.NewBank(drv), nil
	}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return c, drv, store
}

func servoIDs(list []ServoStatus) []string {
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

func TestControllerLifecycle(t *testing.T) {
	Convey("Given a store with two enabled servos and a disabled one", t, func() {
		spare := testServoConfig(1)
		spare.Enabled = Bool(false)
		spare.DefaultAngle = Float(10)
		c, drv, _ := newTestController(t,
			Record{ID: "base", Config: testServoConfig(0)},
			Record{ID: "spare", Config: spare},
			Record{ID: "wrist", Config: testServoConfig(1)},
		)
		So(c.State(), ShouldEqual, Uninitialized)
		So(c.IsConnected(), ShouldBeFalse)
		So(c.GetAllPositions(), ShouldBeEmpty)

		Convey("initialize binds the enabled servos at their default angle", func() {
			So(c.Initialize(), ShouldBeNil)
			So(c.IsConnected(), ShouldBeTrue)
			So(c.GetAllPositions(), ShouldResemble, map[string]float64{"base": 90, "wrist": 90})

			duty, ok := drv.lastDuty(0)
			So(ok, ShouldBeTrue)
			So(duty, ShouldEqual, dutyAt(90))

			list := c.GetServoList()
			So(servoIDs(list), ShouldResemble, []string{"base", "spare", "wrist"})
			So(list[1].Bound, ShouldBeFalse)
			So(list[1].Position, ShouldEqual, 10)

			Convey("a second initialize is a no-op", func() {
				writes := len(drv.writes)
				So(c.Initialize(), ShouldBeNil)
				So(len(drv.writes), ShouldEqual, writes)
			})

			Convey("cleanup parks, releases and shuts down", func() {
				_, err := c.SetAngle("base", 20)
				So(err, ShouldBeNil)

				c.Cleanup()
				duty, _ := drv.lastDuty(0)
				So(duty, ShouldEqual, dutyAt(90))
				So(drv.closed, ShouldEqual, 1)
				So(c.State(), ShouldEqual, ShutDown)
				So(c.IsConnected(), ShouldBeFalse)
				So(c.GetAllPositions(), ShouldBeEmpty)
				So(c.GetServoList(), ShouldHaveLength, 3)

				Convey("and is terminal", func() {
					c.Cleanup()
					So(drv.closed, ShouldEqual, 1)

					err := c.Initialize()
					So(serr.KindOf(err), ShouldEqual, serr.KindHardware)
					So(errors.Is(err, ErrShutDown), ShouldBeTrue)

					_, err = c.SetAngle("base", 30)
					So(serr.KindOf(err), ShouldEqual, serr.KindNotFound)
				})
			})

			Convey("cleanup continues past a servo that cannot be parked", func() {
				drv.failAfter(0, 0)
				c.Cleanup()
				So(c.State(), ShouldEqual, ShutDown)
				duty, _ := drv.lastDuty(1)
				So(duty, ShouldEqual, dutyAt(90))
				So(drv.closed, ShouldEqual, 1)
			})
		})

		Convey("info reflects the options", func() {
			info := c.Info()
			So(info.Frequency, ShouldEqual, 50)
			So(info.MaxServos, ShouldEqual, 16)
			So(info.SafeAngle, ShouldEqual, DefaultSafeAngle)
			So(info.State, ShouldEqual, Uninitialized)
		})

		Convey("cleanup before initialize still shuts down", func() {
			c.Cleanup()
			So(c.State(), ShouldEqual, ShutDown)
			So(drv.closed, ShouldEqual, 0)
		})
	})

	Convey("A servo that fails to bind is skipped", t, func() {
		broken := testServoConfig(2)
		broken.DefaultAngle = Float(500)
		c, _, _ := newTestController(t,
			Record{ID: "a", Config: testServoConfig(0)},
			Record{ID: "dup", Config: testServoConfig(0)},
			Record{ID: "broken", Config: broken},
			Record{ID: "b", Config: testServoConfig(3)},
		)
		So(c.Initialize(), ShouldBeNil)
		So(c.GetAllPositions(), ShouldResemble, map[string]float64{"a": 90, "b": 90})
	})

	Convey("A failing opener leaves the controller uninitialized", t, func() {
		opts := DefaultOptions()
		opts.Logger = zaptest.NewLogger(t).Sugar()
		attempts := 0
		c, err := NewController(&memoryStore{}, func() (hardware.PWMDevice, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("no i2c bus")
			}
			return hardware.NewBank(newRecordingDriver()), nil
		}, opts)
		So(err, ShouldBeNil)

		err = c.Initialize()
		So(serr.KindOf(err), ShouldEqual, serr.KindHardware)
		So(c.State(), ShouldEqual, Uninitialized)

		So(c.Initialize(), ShouldBeNil)
		So(c.State(), ShouldEqual, Initialized)
	})

	Convey("A frequency failure closes the device", t, func() {
		drv := newRecordingDriver()
		drv.freqErr = errors.New("nack")
		opts := DefaultOptions()
		opts.Logger = zaptest.NewLogger(t).Sugar()
		c, _ := NewController(&memoryStore{}, func() (hardware.PWMDevice, error) {
			return hardware.NewBank(drv), nil
		}, opts)

		So(serr.KindOf(c.Initialize()), ShouldEqual, serr.KindHardware)
		So(drv.closed, ShouldEqual, 1)
		So(c.State(), ShouldEqual, Uninitialized)
	})

	Convey("A store that cannot be read is a persistence error", t, func() {
		_, err := NewController(&memoryStore{loadErr: errors.New("disk gone")}, nil, DefaultOptions())
		So(serr.KindOf(err), ShouldEqual, serr.KindPersistence)
	})
}

func TestControllerRegistry(t *testing.T) {
	Convey("Given an initialized controller with one servo", t, func() {
		c, drv, store := newTestController(t, Record{ID: "base", Config: testServoConfig(0)})
		So(c.Initialize(), ShouldBeNil)

		Convey("add binds and drives to the default angle", func() {
			cfg := testServoConfig(5)
			cfg.DefaultAngle = Float(45)
			So(c.Add("claw", cfg), ShouldBeNil)

			pos, err := c.GetPosition("claw")
			So(err, ShouldBeNil)
			So(pos, ShouldEqual, 45)
			duty, _ := drv.lastDuty(5)
			So(duty, ShouldEqual, dutyAt(45))
			So(store.records, ShouldHaveLength, 2)
			So(store.records[1].ID, ShouldEqual, "claw")
		})

		Convey("add of a disabled servo stores it without binding", func() {
			cfg := testServoConfig(0)
			cfg.Enabled = Bool(false)
			So(c.Add("spare", cfg), ShouldBeNil)
			So(c.GetAllPositions(), ShouldNotContainKey, "spare")
			So(store.saves, ShouldEqual, 1)
		})

		Convey("add on a claimed channel conflicts and changes nothing", func() {
			before := c.GetServoList()
			err := c.Add("other", testServoConfig(0))
			So(serr.KindOf(err), ShouldEqual, serr.KindConflict)
			So(c.GetServoList(), ShouldResemble, before)
			So(store.saves, ShouldEqual, 0)
		})

		Convey("add with a missing field is a validation error", func() {
			cfg := testServoConfig(4)
			cfg.Name = ""
			So(serr.KindOf(c.Add("nameless", cfg)), ShouldEqual, serr.KindValidation)
		})

		Convey("add whose default write fails changes nothing", func() {
			drv.failAfter(6, 0)
			err := c.Add("claw", testServoConfig(6))
			So(serr.KindOf(err), ShouldEqual, serr.KindHardware)
			So(servoIDs(c.GetServoList()), ShouldResemble, []string{"base"})
			So(store.saves, ShouldEqual, 0)

			drv.heal(6)
			So(c.Add("claw", testServoConfig(6)), ShouldBeNil)
		})

		Convey("add whose save fails changes nothing", func() {
			store.saveErr = errors.New("read-only filesystem")
			err := c.Add("claw", testServoConfig(6))
			So(serr.KindOf(err), ShouldEqual, serr.KindPersistence)
			So(servoIDs(c.GetServoList()), ShouldResemble, []string{"base"})

			store.saveErr = nil
			So(c.Add("claw", testServoConfig(6)), ShouldBeNil)
		})

		Convey("update moves the servo to its new channel", func() {
			merged, err := c.Update("base", ServoConfig{Channel: Int(7), DefaultAngle: Float(180)})
			So(err, ShouldBeNil)
			So(*merged.Channel, ShouldEqual, 7)
			So(merged.Name, ShouldEqual, "Base Servo")

			pos, _ := c.GetPosition("base")
			So(pos, ShouldEqual, 180)
			duty, _ := drv.lastDuty(7)
			So(duty, ShouldEqual, dutyAt(180))
			So(*store.records[0].Config.Channel, ShouldEqual, 7)

			Convey("and frees the old one", func() {
				So(c.Add("other", testServoConfig(0)), ShouldBeNil)
			})
		})

		Convey("update that disables unbinds", func() {
			_, err := c.Update("base", ServoConfig{Enabled: Bool(false)})
			So(err, ShouldBeNil)
			So(c.GetAllPositions(), ShouldBeEmpty)
			_, err = c.SetAngle("base", 10)
			So(serr.KindOf(err), ShouldEqual, serr.KindNotFound)
		})

		Convey("update of an unknown id is not found", func() {
			_, err := c.Update("ghost", ServoConfig{Name: "x"})
			So(serr.KindOf(err), ShouldEqual, serr.KindNotFound)
		})

		Convey("update whose save fails restores the old binding", func() {
			_, err := c.SetAngle("base", 30)
			So(err, ShouldBeNil)
			store.saveErr = errors.New("read-only filesystem")

			_, err = c.Update("base", ServoConfig{Channel: Int(7)})
			So(serr.KindOf(err), ShouldEqual, serr.KindPersistence)

			list := c.GetServoList()
			So(*list[0].Config.Channel, ShouldEqual, 0)
			So(list[0].Position, ShouldEqual, 30)
			applied, err := c.SetAngle("base", 60)
			So(err, ShouldBeNil)
			So(applied, ShouldEqual, 60)
			duty, _ := drv.lastDuty(0)
			So(duty, ShouldEqual, dutyAt(60))
		})

		Convey("update whose rebind fails restores the old binding", func() {
			drv.failAfter(8, 0)
			_, err := c.Update("base", ServoConfig{Channel: Int(8)})
			So(serr.KindOf(err), ShouldEqual, serr.KindHardware)
			So(c.GetAllPositions(), ShouldResemble, map[string]float64{"base": 90})
			So(store.saves, ShouldEqual, 0)
		})

		Convey("remove parks at the default angle before releasing", func() {
			_, err := c.SetAngle("base", 10)
			So(err, ShouldBeNil)

			So(c.Remove("base"), ShouldBeNil)
			duties := drv.dutiesOn(0)
			So(duties[len(duties)-1], ShouldEqual, dutyAt(90))
			So(c.GetServoList(), ShouldBeEmpty)
			So(store.records, ShouldBeEmpty)

			_, err = c.GetPosition("base")
			So(serr.KindOf(err), ShouldEqual, serr.KindNotFound)
			So(c.Add("again", testServoConfig(0)), ShouldBeNil)
		})

		Convey("remove of an unknown id is not found", func() {
			So(serr.KindOf(c.Remove("ghost")), ShouldEqual, serr.KindNotFound)
		})

		Convey("remove whose save fails keeps the servo", func() {
			store.saveErr = errors.New("read-only filesystem")
			So(serr.KindOf(c.Remove("base")), ShouldEqual, serr.KindPersistence)
			So(c.GetAllPositions(), ShouldContainKey, "base")
		})
	})

	Convey("Changes made before initialize are bound by it", t, func() {
		c, _, store := newTestController(t)
		So(c.Add("s1", testServoConfig(3)), ShouldBeNil)
		So(c.GetAllPositions(), ShouldBeEmpty)
		So(store.saves, ShouldEqual, 1)

		pos, err := c.GetPosition("s1")
		So(err, ShouldBeNil)
		So(pos, ShouldEqual, 90)

		So(c.Initialize(), ShouldBeNil)
		So(c.GetAllPositions(), ShouldResemble, map[string]float64{"s1": 90})
	})
}

func TestControllerConcurrency(t *testing.T) {
	Convey("Concurrent moves on different servos never interleave writes", t, func() {
		c, drv, _ := newTestController(t,
			Record{ID: "a", Config: testServoConfig(0)},
			Record{ID: "b", Config: testServoConfig(1)},
		)
		So(c.Initialize(), ShouldBeNil)

		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					c.SetAngle(id, float64(i*3))
					c.GetServoList()
				}
			}(id)
		}
		wg.Wait()

		drv.lock.Lock()
		events := append([]string(nil), drv.events...)
		drv.lock.Unlock()

		So(len(events)%2, ShouldEqual, 0)
		for i := 0; i < len(events); i += 2 {
			var begin, end int
			fmt.Sscanf(events[i], "begin:%d", &begin)
			fmt.Sscanf(events[i+1], "end:%d", &end)
			So(events[i], ShouldStartWith, "begin:")
			So(end, ShouldEqual, begin)
		}
		So(c.GetAllPositions(), ShouldResemble, map[string]float64{"a": 147, "b": 147})
	})
}

func TestControllerUpdateShadowedBounds(t *testing.T) {
	Convey("Given a min/max servo with an observed logger", t, func() {
		core, logs := observer.New(zapcore.WarnLevel)
		opts := DefaultOptions()
		opts.Settle = 0
		opts.Logger = zap.New(core).Sugar()
		drv := newRecordingDriver()
		c, err := NewController(&memoryStore{records: []Record{{ID: "base", Config: testServoConfig(0)}}},
			func() (hardware.PWMDevice, error) { return hardware.NewBank(drv), nil }, opts)
		So(err, ShouldBeNil)
		So(c.Initialize(), ShouldBeNil)

		Convey("an open/close patch is stored but warned about", func() {
			merged, err := c.Update("base", ServoConfig{OpenAngle: Float(30), CloseAngle: Float(60)})
			So(err, ShouldBeNil)
			So(*merged.OpenAngle, ShouldEqual, 30)
			lo, hi, _ := merged.Bounds()
			So(lo, ShouldEqual, 0)
			So(hi, ShouldEqual, 180)

			warned := logs.FilterMessageSnippet("do not change bounds")
			So(warned.Len(), ShouldEqual, 1)
			So(warned.All()[0].ContextMap()["servo_id"], ShouldEqual, "base")
		})

		Convey("other patches are not warned about", func() {
			_, err := c.Update("base", ServoConfig{MaxPulseUs: Float(2400)})
			So(err, ShouldBeNil)
			So(logs.FilterMessageSnippet("do not change bounds").Len(), ShouldEqual, 0)
		})
	})
}
