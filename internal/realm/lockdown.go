// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package realm

// lockdownSource runs once per realm before any plugin code. It tames the
// ambient clock and entropy intrinsics, enables assignment overrides on the
// prototype properties that freezing would otherwise make unassignable,
// freezes every reachable intrinsic and returns the helpers the host keeps
// for itself. None of the returned helpers is reachable from the realm's
// global object.
const lockdownSource = `(function (global) {
  'use strict';
  var freeze = Object.freeze;
  var defineProperty = Object.defineProperty;
  var getOwnPropertyDescriptor = Object.getOwnPropertyDescriptor;
  var getOwnPropertyDescriptors = Object.getOwnPropertyDescriptors;
  var getPrototypeOf = Object.getPrototypeOf;
  var objectKeys = Object.keys;
  var ObjectPrototype = Object.prototype;
  var create = Object.create;
  var ownKeys = Reflect.ownKeys;
  var construct = Reflect.construct;
  var apply = Reflect.apply;
  var isArray = Array.isArray;
  var stringify = JSON.stringify;
  var parse = JSON.parse;
  var isFiniteNumber = Number.isFinite;
  var isInteger = Number.isInteger;
  var toString = String;
  var hasOwnProperty = ObjectPrototype.hasOwnProperty;
  var functionBind = Function.prototype.bind;
  var PromiseCtor = Promise;
  var promiseResolve = Promise.resolve;
  var promiseThen = Promise.prototype.then;
  var WeakSetCtor = WeakSet;
  var weakSetHas = WeakSet.prototype.has;
  var weakSetAdd = WeakSet.prototype.add;
  var weakSetDelete = WeakSet.prototype.delete;

  function hasOwn(obj, key) {
    return apply(hasOwnProperty, obj, [key]);
  }

  var hardened = new WeakSetCtor();

  function harden(root) {
    var stack = [root];
    while (stack.length > 0) {
      var value = stack.pop();
      if (value === null || (typeof value !== 'object' && typeof value !== 'function')) {
        continue;
      }
      if (apply(weakSetHas, hardened, [value])) {
        continue;
      }
      apply(weakSetAdd, hardened, [value]);
      freeze(value);
      var proto = getPrototypeOf(value);
      if (proto !== null) {
        stack[stack.length] = proto;
      }
      var descs = getOwnPropertyDescriptors(value);
      var keys = ownKeys(descs);
      for (var i = 0; i < keys.length; i++) {
        var desc = descs[keys[i]];
        if (hasOwn(desc, 'value')) {
          stack[stack.length] = desc.value;
        } else {
          stack[stack.length] = desc.get;
          stack[stack.length] = desc.set;
        }
      }
    }
    return root;
  }

  function enableOverride(obj, prop) {
    var desc = getOwnPropertyDescriptor(obj, prop);
    if (desc === undefined || !hasOwn(desc, 'value') || !desc.configurable) {
      return;
    }
    var value = desc.value;
    defineProperty(obj, prop, {
      get: function () { return value; },
      set: function (newValue) {
        if (obj === this) {
          throw new TypeError('Cannot assign to read only property \'' + String(prop) + '\'');
        }
        if (hasOwn(this, prop)) {
          this[prop] = newValue;
        } else {
          defineProperty(this, prop, { value: newValue, writable: true, enumerable: true, configurable: true });
        }
      },
      enumerable: desc.enumerable,
      configurable: false,
    });
  }

  var RealDate = global.Date;
  var TamedDate = function Date() {
    var args = [];
    for (var i = 0; i < arguments.length; i++) {
      args[i] = arguments[i];
    }
    if (new.target === undefined) {
      return 'Invalid Date';
    }
    return construct(RealDate, args.length === 0 ? [NaN] : args, new.target);
  };
  defineProperty(TamedDate, 'prototype', { value: RealDate.prototype, writable: false, enumerable: false, configurable: false });
  defineProperty(TamedDate, 'parse', { value: RealDate.parse, writable: true, enumerable: false, configurable: true });
  defineProperty(TamedDate, 'UTC', { value: RealDate.UTC, writable: true, enumerable: false, configurable: true });
  defineProperty(TamedDate, 'now', { value: function now() { return NaN; }, writable: true, enumerable: false, configurable: true });
  defineProperty(RealDate.prototype, 'constructor', { value: TamedDate, writable: true, enumerable: false, configurable: true });
  global.Date = TamedDate;

  var RealMath = global.Math;
  defineProperty(RealMath, 'random', {
    value: function random() { throw new TypeError('Math.random is not available without the Math endowment'); },
    writable: true, enumerable: false, configurable: true,
  });

  var overrides = [
    [ObjectPrototype, ['constructor', 'toString', 'valueOf', 'toLocaleString']],
    [Function.prototype, ['constructor', 'toString']],
    [Array.prototype, ['constructor', 'toString', 'push', 'concat']],
    [Promise.prototype, ['constructor', 'then', 'catch', 'finally']],
    [Error.prototype, ['constructor', 'name', 'message', 'toString']],
    [TypeError.prototype, ['constructor', 'name', 'message']],
    [RangeError.prototype, ['constructor', 'name', 'message']],
    [SyntaxError.prototype, ['constructor', 'name', 'message']],
    [ReferenceError.prototype, ['constructor', 'name', 'message']],
  ];
  for (var o = 0; o < overrides.length; o++) {
    var props = overrides[o][1];
    for (var p = 0; p < props.length; p++) {
      enableOverride(overrides[o][0], props[p]);
    }
  }

  var extras = [
    function () { return getPrototypeOf(function* () {}); },
    function () { return getPrototypeOf(async function () {}); },
    function () { return getPrototypeOf([][Symbol.iterator]()); },
    function () { return getPrototypeOf(new Map()[Symbol.iterator]()); },
    function () { return getPrototypeOf(new Set()[Symbol.iterator]()); },
    function () { return getPrototypeOf(''[Symbol.iterator]()); },
    function () { return getPrototypeOf(global.Uint8Array); },
  ];
  var globalKeys = ownKeys(global);
  for (var g = 0; g < globalKeys.length; g++) {
    if (globalKeys[g] !== 'globalThis') {
      harden(global[globalKeys[g]]);
    }
  }
  for (var e = 0; e < extras.length; e++) {
    try {
      harden(extras[e]());
    } catch (err) {
      // Intrinsic not supported by this engine build.
    }
  }
  harden(RealDate);

  function check(value, path, active) {
    switch (typeof value) {
      case 'string':
      case 'boolean':
        return null;
      case 'number':
        return isFiniteNumber(value) ? null : 'non-finite number at ' + path;
      case 'undefined':
        return 'undefined at ' + path;
      case 'bigint':
        return 'bigint at ' + path;
      case 'symbol':
        return 'symbol at ' + path;
      case 'function':
        return 'function at ' + path;
    }
    if (value === null) {
      return null;
    }
    if (apply(weakSetHas, active, [value])) {
      return 'cycle at ' + path;
    }
    apply(weakSetAdd, active, [value]);
    var reason = null;
    if (isArray(value)) {
      for (var i = 0; i < value.length && reason === null; i++) {
        var item = getOwnPropertyDescriptor(value, i);
        if (item === undefined) {
          reason = 'sparse array at ' + path;
        } else if (!hasOwn(item, 'value')) {
          reason = 'accessor at ' + path + '[' + i + ']';
        } else {
          reason = check(item.value, path + '[' + i + ']', active);
        }
      }
    } else {
      var proto = getPrototypeOf(value);
      if (proto !== ObjectPrototype && proto !== null) {
        reason = 'non-plain object at ' + path;
      } else {
        var keys = objectKeys(value);
        for (var k = 0; k < keys.length && reason === null; k++) {
          var field = getOwnPropertyDescriptor(value, keys[k]);
          if (!hasOwn(field, 'value')) {
            reason = 'accessor at ' + path + '.' + keys[k];
          } else {
            reason = check(field.value, path + '.' + keys[k], active);
          }
        }
      }
    }
    apply(weakSetDelete, active, [value]);
    return reason;
  }

  function toSafeJSON(value) {
    var reason = check(value, '$', new WeakSetCtor());
    if (reason !== null) {
      return [false, reason];
    }
    return [true, stringify(value)];
  }

  function deferred() {
    var settle = {};
    settle.promise = new PromiseCtor(function (resolve, reject) {
      settle.resolve = resolve;
      settle.reject = reject;
    });
    return settle;
  }

  function settle(value, onFulfilled, onRejected) {
    var p = apply(promiseResolve, PromiseCtor, [value]);
    apply(promiseThen, p, [onFulfilled, onRejected]);
  }

  function bind(fn, receiver) {
    return apply(functionBind, fn, [receiver]);
  }

  function opaque() {
    return freeze(create(null));
  }

  function isConstructor(fn) {
    if (typeof fn !== 'function') {
      return false;
    }
    try {
      construct(String, [], fn);
      return true;
    } catch (err) {
      return false;
    }
  }

  function parseJSON(text) {
    return parse(text);
  }

  function describeThrown(value) {
    var type = typeof value;
    if (value === null || type === 'string' || type === 'number' || type === 'boolean') {
      return stringify({ kind: 'primitive', message: toString(value) });
    }
    if (type !== 'object' && type !== 'function') {
      return stringify({ kind: 'unserializable', message: type });
    }
    var out = { kind: 'object' };
    try {
      if (typeof value.message === 'string') {
        out.message = value.message;
      }
      if (typeof value.code === 'number' && isInteger(value.code)) {
        out.code = value.code;
      }
      if (typeof value.stack === 'string') {
        out.stack = value.stack;
      }
      if (value.data !== undefined) {
        var data = toSafeJSON(value.data);
        if (data[0]) {
          out.data = parse(data[1]);
        }
      }
      if (out.message === undefined) {
        var whole = toSafeJSON(value);
        if (whole[0]) {
          out.data = parse(whole[1]);
        }
      }
    } catch (err) {
      // Accessors on thrown values may throw; keep what was read.
    }
    return stringify(out);
  }

  return freeze({
    harden: harden,
    toSafeJSON: toSafeJSON,
    deferred: deferred,
    settle: settle,
    bind: bind,
    opaque: opaque,
    isConstructor: isConstructor,
    parseJSON: parseJSON,
    describeThrown: describeThrown,
    realDate: RealDate,
    realMath: RealMath,
  });
})`
