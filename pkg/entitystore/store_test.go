package entitystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mainDevice() Registration {
	return Registration{TopicID: "device/main//", Type: MainDevice, ExternalID: "test-device"}
}

func TestHTTPCreateRequiresKnownParent(t *testing.T) {
	s := NewStore("te")
	defer s.Close()

	_, err := s.Create(mainDevice())
	require.NoError(t, err)

	_, err = s.Create(Registration{TopicID: "device/c1//", Type: ChildDevice, Parent: "device/unknown//"})
	require.Error(t, err)
	var unknownParent *UnknownParentError
	require.ErrorAs(t, err, &unknownParent)
}

func TestHTTPCreateConflictingType(t *testing.T) {
	s := NewStore("te")
	defer s.Close()

	_, err := s.Create(mainDevice())
	require.NoError(t, err)
	_, err = s.Create(Registration{TopicID: "device/c1//", Type: ChildDevice, Parent: "device/main//"})
	require.NoError(t, err)

	_, err = s.Create(Registration{TopicID: "device/c1//", Type: Service, Parent: "device/main//"})
	require.Error(t, err)
	var conflict *ConflictingTypeError
	require.ErrorAs(t, err, &conflict)
}

func TestMQTTPendingPromotion(t *testing.T) {
	s := NewStore("te")
	defer s.Close()

	_, err := s.Create(mainDevice())
	require.NoError(t, err)

	// c2's parent (c1) is not yet known: c2 is buffered pending.
	s.OnMQTTMessage("te/device/c2//", []byte(`{"@type":"child-device","@parent":"device/c1//"}`), true)
	assert.Nil(t, s.Get("device/c2//"))

	// c1 registers; c2 should be promoted, and in that order.
	s.OnMQTTMessage("te/device/c1//", []byte(`{"@type":"child-device","@parent":"device/main//"}`), true)

	c1 := s.Get("device/c1//")
	require.NotNil(t, c1)
	c2 := s.Get("device/c2//")
	require.NotNil(t, c2)
	assert.Equal(t, "device/c1//", c2.Parent)
}

func TestAutoRegisterChildOnMeasurement(t *testing.T) {
	var published []string
	s := NewStoreWithOptions("te", Options{
		AutoRegister: true,
		Publish: func(topic string, qos byte, retained bool, payload []byte) error {
			published = append(published, topic)
			return nil
		},
	})
	defer s.Close()

	_, err := s.Create(mainDevice())
	require.NoError(t, err)

	s.OnMQTTMessage("te/device/c1/service/app/m/temp", []byte(`{"t":20}`), false)

	e := s.Get("device/c1/service/app")
	require.NotNil(t, e)
	assert.Equal(t, Service, e.Type)
	assert.Equal(t, "device/c1//", e.Parent)
	assert.Equal(t, "test-device:device:c1:service:app", e.ExternalID)
	assert.Contains(t, published, "te/device/c1/service/app")
}

func TestAutoRegisterChildDevice(t *testing.T) {
	var published []string
	s := NewStoreWithOptions("te", Options{
		AutoRegister: true,
		Publish: func(topic string, qos byte, retained bool, payload []byte) error {
			published = append(published, topic)
			return nil
		},
	})
	defer s.Close()

	_, err := s.Create(mainDevice())
	require.NoError(t, err)

	s.OnMQTTMessage("te/device/c1///m/temp", []byte(`{"t":20}`), false)

	e := s.Get("device/c1//")
	require.NotNil(t, e)
	assert.Equal(t, ChildDevice, e.Type)
	assert.Equal(t, "device/main//", e.Parent)
	assert.Equal(t, "test-device:device:c1", e.ExternalID)
	assert.Contains(t, published, "te/device/c1//")
}

func TestCascadeDeleteOrder(t *testing.T) {
	var cleared []string
	s := NewStoreWithOptions("te", Options{
		Publish: func(topic string, qos byte, retained bool, payload []byte) error {
			cleared = append(cleared, topic)
			return nil
		},
	})
	defer s.Close()

	_, err := s.Create(mainDevice())
	require.NoError(t, err)
	_, err = s.Create(Registration{TopicID: "device/c0//", Type: ChildDevice, Parent: "device/main//"})
	require.NoError(t, err)
	_, err = s.Create(Registration{TopicID: "device/c00//", Type: ChildDevice, Parent: "device/c0//"})
	require.NoError(t, err)
	_, err = s.Create(Registration{TopicID: "device/c000//", Type: ChildDevice, Parent: "device/c00//"})
	require.NoError(t, err)
	_, err = s.Create(Registration{TopicID: "device/c000/service/s0", Type: Service, Parent: "device/c000//"})
	require.NoError(t, err)

	require.NoError(t, s.SetTwinFragments("device/c0//", map[string]any{"a": 1}))
	require.NoError(t, s.SetTwinFragments("device/c00//", map[string]any{"b": 2}))
	require.NoError(t, s.SetTwinFragments("device/c000//", map[string]any{"c": 3}))

	removed := s.Delete("device/c0//")

	// bottom-up: leaves first
	require.Len(t, removed, 4)
	assert.Equal(t, "device/c000/service/s0", removed[0].TopicID)
	assert.Equal(t, "device/c000//", removed[1].TopicID)
	assert.Equal(t, "device/c00//", removed[2].TopicID)
	assert.Equal(t, "device/c0//", removed[3].TopicID)

	// within one entity, subchannels before the entity root; service s0
	// has no tracked channels so it only clears its root.
	assert.Equal(t, []string{
		"te/device/c000/service/s0",
		"te/device/c000///twin/c",
		"te/device/c000//",
		"te/device/c00///twin/b",
		"te/device/c00//",
		"te/device/c0///twin/a",
		"te/device/c0//",
	}, cleared)

	assert.Nil(t, s.Get("device/c0//"))
	assert.Nil(t, s.Get("device/c00//"))
}

func TestDeleteUnknownEntityIsNoop(t *testing.T) {
	s := NewStore("te")
	defer s.Close()
	removed := s.Delete("device/ghost//")
	assert.Empty(t, removed)
}

func TestSetTwinFragmentsUnknownEntity(t *testing.T) {
	s := NewStore("te")
	defer s.Close()
	err := s.SetTwinFragments("device/ghost//", map[string]any{"a": 1})
	require.Error(t, err)
	var unknown *UnknownEntityError
	require.ErrorAs(t, err, &unknown)
}

func TestReRegistrationMergesTwinFragments(t *testing.T) {
	s := NewStore("te")
	defer s.Close()
	_, err := s.Create(mainDevice())
	require.NoError(t, err)

	_, err = s.Create(Registration{TopicID: "device/c1//", Type: ChildDevice, Parent: "device/main//", Fragments: map[string]any{"a": 1}})
	require.NoError(t, err)
	_, err = s.Create(Registration{TopicID: "device/c1//", Type: ChildDevice, Parent: "device/main//", Fragments: map[string]any{"b": 2}})
	require.NoError(t, err)

	e := s.Get("device/c1//")
	require.NotNil(t, e)
	assert.Equal(t, 1, e.Twin["a"])
	assert.Equal(t, 2, e.Twin["b"])
}

func TestEntityTopicIDsSorted(t *testing.T) {
	s := NewStore("te")
	defer s.Close()
	_, _ = s.Create(mainDevice())
	_, _ = s.Create(Registration{TopicID: "device/zz//", Type: ChildDevice, Parent: "device/main//"})
	_, _ = s.Create(Registration{TopicID: "device/aa//", Type: ChildDevice, Parent: "device/main//"})

	ids := s.EntityTopicIDs()
	assert.Equal(t, []string{"device/aa//", "device/main//", "device/zz//"}, ids)
}
